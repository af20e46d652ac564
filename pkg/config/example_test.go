package config_test

import (
	"fmt"

	"github.com/ajitpratap0/starsync/pkg/config"
)

// ExampleParseSyncTables shows the compact SYNC_TABLES format.
func ExampleParseSyncTables() {
	tables, err := config.ParseSyncTables("users,dim_users,id,id|username|email,cdc,500,30,true;orders,fact_orders,order_id+line")
	if err != nil {
		fmt.Println(err)
		return
	}

	for _, t := range tables {
		fmt.Printf("%s -> %s key=%v columns=%d\n", t.SourceTable, t.TargetTable, t.KeyColumns(), len(t.Columns))
	}
	fmt.Println(tables[0].SyncInterval)

	// Output:
	// users -> dim_users key=[id] columns=3
	// orders -> fact_orders key=[order_id line] columns=0
	// 30s
}

// ExampleNormalizeStartupMode lists the accepted startup mode aliases.
func ExampleNormalizeStartupMode() {
	for _, m := range []string{"initial", "latest", "snapshot", "continuous"} {
		fmt.Println(m, "=>", config.NormalizeStartupMode(m))
	}

	// Output:
	// initial => hybrid
	// latest => continuous
	// snapshot => initial_snapshot
	// continuous => continuous
}
