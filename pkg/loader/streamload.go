package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/compression"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

// opColumn is the StarRocks stream load column selecting upsert (0) or
// delete (1) per row.
const opColumn = "__op"

// Stream load statuses.
const (
	statusSuccess        = "Success"
	statusPublishTimeout = "Publish Timeout"
	statusLabelExists    = "Label Already Exists"
	statusFail           = "Fail"
)

var labelNamespace = uuid.MustParse("6f1c5e1a-3f0b-4c55-9d5e-2a8c7b1d4e90")

// StreamLoadResponse is the frontend's reply to a stream load request.
type StreamLoadResponse struct {
	TxnID              int64  `json:"TxnId"`
	Label              string `json:"Label"`
	Status             string `json:"Status"`
	Message            string `json:"Message"`
	ExistingJobStatus  string `json:"ExistingJobStatus"`
	NumberTotalRows    int64  `json:"NumberTotalRows"`
	NumberLoadedRows   int64  `json:"NumberLoadedRows"`
	NumberFilteredRows int64  `json:"NumberFilteredRows"`
	LoadTimeMs         int64  `json:"LoadTimeMs"`
	ErrorURL           string `json:"ErrorURL"`
}

// StreamLoadTarget writes batches through the HTTP stream load API as JSON
// arrays. Each request is labelled from the batch ID and its keys, so a
// retried request that already committed is recognised instead of loaded
// twice.
type StreamLoadTarget struct {
	client    *http.Client
	baseURL   string
	database  string
	username  string
	password  string
	alg       compression.Algorithm
	batchRows int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewStreamLoadTarget creates a target for cfg.
func NewStreamLoadTarget(cfg config.TargetConfig, logger *zap.Logger) (*StreamLoadTarget, error) {
	alg, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid stream load compression")
	}
	if alg != compression.None && alg.StreamLoadFormat() == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "stream load does not accept %s bodies", alg)
	}
	return newStreamLoadTarget("http://"+cfg.HTTPAddr(), cfg, alg, logger), nil
}

func newStreamLoadTarget(baseURL string, cfg config.TargetConfig, alg compression.Algorithm, logger *zap.Logger) *StreamLoadTarget {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.LoadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	batchRows := cfg.BatchRows
	if batchRows <= 0 {
		batchRows = defaultBatchRows
	}

	t := &StreamLoadTarget{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		database:  cfg.Database,
		username:  cfg.Username,
		password:  cfg.Password,
		alg:       alg,
		batchRows: batchRows,
		timeout:   timeout,
		logger:    logger.With(zap.String("component", "stream_loader")),
	}
	t.client = &http.Client{
		Timeout: timeout + 30*time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectionTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost:   cfg.PoolSize,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
		},
		// The frontend redirects to a backend; credentials are dropped on
		// cross-host redirects and must be set again.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			req.SetBasicAuth(t.username, t.password)
			return nil
		},
	}
	return t
}

// Apply implements Target.
func (t *StreamLoadTarget) Apply(ctx context.Context, b *Batch) (Result, error) {
	var res Result
	if err := checkBatch(b); err != nil {
		return res, err
	}
	db, table := splitTable(t.database, b.Table)
	deletes, upserts := split(b.Ops)

	for _, chunk := range chunks(deletes, t.batchRows) {
		n, rejected, err := bisect(ctx, chunk, func(ctx context.Context, ops []Op) error {
			return t.load(ctx, db, table, b, b.KeyColumns, ops)
		})
		res.Deleted += n
		res.Rejected = append(res.Rejected, rejected...)
		if err != nil {
			return res, err
		}
	}
	for _, group := range upserts {
		cols := columnsOf(group[0].Row)
		for _, chunk := range chunks(group, t.batchRows) {
			n, rejected, err := bisect(ctx, chunk, func(ctx context.Context, ops []Op) error {
				return t.load(ctx, db, table, b, cols, ops)
			})
			res.Upserted += n
			res.Rejected = append(res.Rejected, rejected...)
			if err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// Label derives the stream load label of ops within batch b.
func Label(b *Batch, ops []Op) string {
	var sb strings.Builder
	sb.WriteString(b.ID)
	sb.WriteByte(0)
	sb.WriteString(b.Table)
	for _, op := range ops {
		sb.WriteByte(0)
		sb.WriteString(op.Kind.String())
		sb.WriteByte(':')
		sb.WriteString(cdc.KeyString(op.Key))
	}
	return "starsync-" + uuid.NewSHA1(labelNamespace, []byte(sb.String())).String()
}

// partial reports whether ops is a group of partial upserts. Such loads
// carry no op column and only overwrite the columns they list.
func partial(ops []Op) bool {
	return len(ops) > 0 && ops[0].Kind == Upsert && ops[0].Partial
}

func (t *StreamLoadTarget) body(cols []string, ops []Op) ([]byte, error) {
	rows := make([]map[string]any, len(ops))
	for i, op := range ops {
		row := make(map[string]any, len(cols)+1)
		for _, c := range cols {
			row[c] = normalize(op.Row[c])
		}
		switch {
		case op.Kind == Delete:
			row[opColumn] = 1
		case !op.Partial:
			row[opColumn] = 0
		}
		rows[i] = row
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode stream load body")
	}
	if t.alg == compression.None {
		return raw, nil
	}

	var buf bytes.Buffer
	w, err := compression.NewWriter(&buf, t.alg, compression.Fastest)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compress stream load body")
	}
	if _, err := w.Write(raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compress stream load body")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compress stream load body")
	}
	return buf.Bytes(), nil
}

func (t *StreamLoadTarget) load(ctx context.Context, db, table string, b *Batch, cols []string, ops []Op) error {
	payload, err := t.body(cols, ops)
	if err != nil {
		return err
	}
	label := Label(b, ops)

	url := fmt.Sprintf("%s/api/%s/%s/_stream_load", t.baseURL, db, table)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to build stream load request")
	}
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("Expect", "100-continue")
	req.Header.Set("label", label)
	req.Header.Set("format", "json")
	req.Header.Set("strip_outer_array", "true")
	req.Header.Set("ignore_json_size", "true")
	if partial(ops) {
		req.Header.Set("partial_update", "true")
		req.Header.Set("columns", strings.Join(quoteAll(cols), ","))
	} else {
		req.Header.Set("columns", strings.Join(append(quoteAll(cols), opColumn), ","))
	}
	req.Header.Set("timeout", strconv.Itoa(int(t.timeout.Seconds())))
	if f := t.alg.StreamLoadFormat(); f != "" {
		req.Header.Set("compression", f)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "stream load request failed").
			WithDetail("label", label)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read stream load response")
	}
	if err := httpError(resp.StatusCode, raw); err != nil {
		return err.WithDetail("label", label)
	}

	var sr StreamLoadResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "malformed stream load response").
			WithDetail("body", string(raw))
	}
	if err := checkResponse(&sr); err != nil {
		return err.WithDetail("label", label)
	}

	t.logger.Debug("stream load finished",
		zap.String("label", label),
		zap.String("table", b.Table),
		zap.String("status", sr.Status),
		zap.Int64("loaded_rows", sr.NumberLoadedRows),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func httpError(code int, body []byte) *errors.Error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Newf(errors.ErrorTypeConfig, "stream load rejected credentials: HTTP %d", code)
	case code == http.StatusTooManyRequests:
		return errors.Newf(errors.ErrorTypeRateLimit, "stream load throttled: HTTP %d", code)
	case code >= 500:
		return errors.Newf(errors.ErrorTypeConnection, "stream load failed: HTTP %d", code).
			WithDetail("body", string(body))
	default:
		return errors.Newf(errors.ErrorTypeConfig, "stream load failed: HTTP %d", code).
			WithDetail("body", string(body))
	}
}

// checkResponse maps a stream load status onto the error taxonomy.
// Filtered rows are data errors so the caller can isolate them.
func checkResponse(sr *StreamLoadResponse) *errors.Error {
	switch sr.Status {
	case statusSuccess, statusPublishTimeout:
		return nil
	case statusLabelExists:
		switch sr.ExistingJobStatus {
		case "FINISHED", "VISIBLE", "COMMITTED":
			return nil
		case "CANCELLED", "ABORTED":
			return errors.Newf(errors.ErrorTypeInternal, "label %s belongs to an aborted load", sr.Label)
		default:
			return errors.Newf(errors.ErrorTypeConnection, "label %s is still loading, try again", sr.Label)
		}
	case statusFail:
		if sr.ErrorURL != "" || sr.NumberFilteredRows > 0 || strings.Contains(strings.ToLower(sr.Message), "filtered") {
			return errors.Newf(errors.ErrorTypeData, "stream load rejected rows: %s", sr.Message).
				WithDetail("error_url", sr.ErrorURL).
				WithDetail("filtered_rows", sr.NumberFilteredRows)
		}
		return errors.Newf(errors.ErrorTypeConnection, "stream load failed: %s", sr.Message)
	default:
		return errors.Newf(errors.ErrorTypeConnection, "unexpected stream load status %q: %s", sr.Status, sr.Message)
	}
}

func quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quoteIdent(c)
	}
	return out
}

// Ping implements Target using the frontend health endpoint.
func (t *StreamLoadTarget) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/health", nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to build health request")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "starrocks http endpoint unreachable")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.ErrorTypeConnection, "starrocks health returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Close implements Target.
func (t *StreamLoadTarget) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
