package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"github.com/yatharthsameer/Say-Flow/internal/auth"
	"github.com/yatharthsameer/Say-Flow/internal/config"
)

const userAgent = "sayflowd/1.0"

var ErrNotAuthenticated = errors.New("Not authenticated")

// Upload is one transcription request. IdempotencyKey is always the outbox
// item id so repeated submissions of one attempt are safe.
type Upload struct {
	Audio          []byte
	Filename       string
	DurationMS     int64
	AudioFormat    string
	Language       string
	Provider       string
	Model          string
	IdempotencyKey string
}

type Timing struct {
	ProviderLatencyMS float64 `json:"provider_latency_ms"`
	TotalLatencyMS    float64 `json:"total_latency_ms"`
}

type Transcription struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	DurationMS int64   `json:"duration_ms"`
	Language   string  `json:"language"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	RequestID  string  `json:"request_id,omitempty"`
	Timing     *Timing `json:"timing,omitempty"`
}

// Result is the outcome of an upload. Failures are values, never errors.
type Result struct {
	OK    bool
	Data  Transcription
	Error string
}

type Stats struct {
	Range               string     `json:"range"`
	MinutesTranscribed  float64    `json:"minutes_transcribed"`
	WordsTranscribedEst int64      `json:"words_transcribed_est"`
	Requests            int64      `json:"requests"`
	LastActivityAt      *time.Time `json:"last_activity_at,omitempty"`
}

// Client talks to the transcription backend over HTTP.
type Client struct {
	cfg        config.BackendConfig
	httpClient *http.Client
	tokens     auth.TokenSource
	log        *slog.Logger
	tracer     trace.Tracer
	uploads    metric.Int64Counter
	latency    metric.Float64Histogram
}

func New(cfg config.BackendConfig, httpClient *http.Client, tokens auth.TokenSource, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg)
	}
	meter := otel.Meter("github.com/yatharthsameer/Say-Flow/backend")
	uploads, _ := meter.Int64Counter("sayflow.backend.uploads", metric.WithDescription("Transcription uploads by outcome"))
	latency, _ := meter.Float64Histogram("sayflow.backend.upload_ms", metric.WithDescription("Transcription upload round trip"))
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		log:        log.With(slog.String("component", "backend")),
		tracer:     otel.Tracer("github.com/yatharthsameer/Say-Flow/backend"),
		uploads:    uploads,
		latency:    latency,
	}
}

// NewHTTPClient builds the transport used for uploads, with HTTP/2 when enabled.
func NewHTTPClient(cfg config.BackendConfig) *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if !cfg.VerifySSL {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if cfg.EnableHTTP2 {
		_ = http2.ConfigureTransport(tr)
	}
	return &http.Client{
		Transport: tr,
		Timeout:   time.Duration(cfg.RequestTimeout) * time.Second,
	}
}

// Transcribe uploads one recording.
func (c *Client) Transcribe(ctx context.Context, up Upload) Result {
	ctx, span := c.tracer.Start(ctx, "backend.transcribe",
		trace.WithAttributes(attribute.String("idempotency_key", up.IdempotencyKey), attribute.String("provider", up.Provider)))
	defer span.End()

	start := time.Now()
	res := c.transcribe(ctx, up)
	elapsed := time.Since(start)

	outcome := "success"
	if !res.OK {
		outcome = "failure"
		span.SetAttributes(attribute.String("error", res.Error))
	}
	c.uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	c.latency.Record(ctx, float64(elapsed.Milliseconds()))
	c.log.Info("upload finished",
		slog.String("id", up.IdempotencyKey),
		slog.String("outcome", outcome),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()))
	return res
}

func (c *Client) transcribe(ctx context.Context, up Upload) Result {
	token, err := c.token(ctx)
	if err != nil {
		return Result{Error: err.Error()}
	}

	body, contentType, err := buildForm(up)
	if err != nil {
		return Result{Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.UploadPath, nil), body)
	if err != nil {
		return Result{Error: fmt.Sprintf("new request error: %v", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", up.IdempotencyKey)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("upload request failed", slogError(err))
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Error: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("upload rejected", slog.Int("status", resp.StatusCode), slog.String("body", truncate(respBody, 512)))
		return Result{Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	var data Transcription
	if err := json.Unmarshal(respBody, &data); err != nil {
		return Result{Error: fmt.Sprintf("decode response: %v", err)}
	}
	if data.Timing != nil {
		c.log.Info("backend timing",
			slog.String("provider", data.Provider),
			slog.String("model", data.Model),
			slog.Float64("provider_ms", data.Timing.ProviderLatencyMS),
			slog.Float64("total_backend_ms", data.Timing.TotalLatencyMS))
	}
	return Result{OK: true, Data: data}
}

// FetchStats returns usage for rangeName (today, 7d or 30d).
func (c *Client) FetchStats(ctx context.Context, rangeName string) (Stats, error) {
	switch rangeName {
	case "":
		rangeName = "today"
	case "today", "7d", "30d":
	default:
		return Stats{}, fmt.Errorf("invalid stats range %q", rangeName)
	}
	token, err := c.token(ctx)
	if err != nil {
		return Stats{}, err
	}
	q := url.Values{}
	q.Set("range", rangeName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.StatsPath, q), nil)
	if err != nil {
		return Stats{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return Stats{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", ErrNotAuthenticated
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	if token == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func buildForm(up Upload) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := up.Filename
	if filename == "" {
		filename = up.IdempotencyKey + "." + up.AudioFormat
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, filepath.Base(filename)))
	h.Set("Content-Type", "audio/"+up.AudioFormat)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form file error: %w", err)
	}
	if _, err := part.Write(up.Audio); err != nil {
		return nil, "", fmt.Errorf("copy audio error: %w", err)
	}

	fields := [][2]string{
		{"duration_ms", strconv.FormatInt(up.DurationMS, 10)},
		{"audio_format", up.AudioFormat},
		{"language", up.Language},
	}
	if up.Provider != "" {
		fields = append(fields, [2]string{"provider", up.Provider})
	}
	if up.Model != "" {
		fields = append(fields, [2]string{"model", up.Model})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
