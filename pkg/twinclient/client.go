// Package twinclient implements HTTP calls against the AAS: submodel
// reads, direct operation invocation, and delegated-operation job
// submit/poll, wrapped in a circuit breaker, retry/backoff, and an
// idempotency cache.
package twinclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/hadijannat/TwinOps/pkg/contracts"
)

// Errors mirror the kernel's error taxonomy.
var (
	ErrTransportFailure  = errors.New("transport_failure")
	ErrExecutionTimeout  = errors.New("execution_timeout")
	ErrExecutionFailed   = errors.New("execution_failed")
	ErrMalformedInput    = errors.New("malformed_input")
)

// OperationRef describes where and how to invoke a tool: a direct AAS
// operation or a delegated Operation Service job.
type OperationRef struct {
	Name       string
	InvokeURL  string // direct: POST .../invoke
	Delegated  bool
	SubmitURL  string // delegated: POST to create a job
	PollURLFmt string // delegated: fmt.Sprintf(PollURLFmt, jobID) -> GET
}

// Config configures the Twin Client.
type Config struct {
	BaseURL                string
	HTTPTimeout            time.Duration
	FailureThreshold       uint32
	RecoveryTimeout        time.Duration
	HalfOpenMaxCalls       uint32
	RetryMaxAttempts       int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	RetryJitter            time.Duration
	JobPollMaxInterval     time.Duration
	JobPollJitter          time.Duration
	IdempotencyTTL         time.Duration
	Signer                 *HMACSigner // nil disables HMAC signing
	PolicySubmodel         string
	PolicyPath             string
	// MaxConcurrency bounds in-flight HTTP calls across every endpoint.
	// Zero disables the bound.
	MaxConcurrency int
}

// Client is the Twin Client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breakers   map[string]*gobreaker.CircuitBreaker
	idem       IdempotencyBackend
	sem        *semaphore.Weighted
}

// New constructs a Twin Client. idem may be nil, in which case an
// in-memory cache is used so repeated calls still dedupe within a process.
func New(cfg Config, idem IdempotencyBackend) *Client {
	if idem == nil {
		idem = NewMemoryIdempotency()
	}
	var sem *semaphore.Weighted
	if cfg.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		idem:       idem,
		sem:        sem,
	}
}

func (c *Client) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}
	cb := newBreaker(endpoint, c.cfg.FailureThreshold, c.cfg.RecoveryTimeout, c.cfg.HalfOpenMaxCalls)
	c.breakers[endpoint] = cb
	return cb
}

// Invoke performs a tool invocation, returning the result map. The call is
// idempotency-checked before dispatch and retried on transient failure.
func (c *Client) Invoke(ctx context.Context, ref OperationRef, args map[string]any, simulate bool, idempotencyKey string) (map[string]any, error) {
	fp, err := Fingerprint(ref.Name, args, simulate, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	if rec, hit, err := c.idem.Get(ctx, fp); err == nil && hit {
		return rec.Result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()

	var result map[string]any
	if ref.Delegated {
		result, err = c.invokeDelegated(ctx, ref, args, simulate)
	} else {
		result, err = c.invokeDirect(ctx, ref, args, simulate)
	}
	if err != nil {
		return nil, err
	}

	_ = c.idem.Put(ctx, contracts.IdempotencyRecord{
		Key:             fp,
		CallFingerprint: fp,
		Result:          result,
		ExpiresAt:       time.Now().Add(c.cfg.IdempotencyTTL),
	})
	return result, nil
}

func (c *Client) invokeDirect(ctx context.Context, ref OperationRef, args map[string]any, simulate bool) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{"inputArguments": argsToList(args), "simulate": simulate})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	cb := c.breakerFor(ref.InvokeURL)
	result, err := c.withRetry(ctx, cb, func() (map[string]any, error) {
		return c.doJSON(ctx, http.MethodPost, ref.InvokeURL, body)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) invokeDelegated(ctx context.Context, ref OperationRef, args map[string]any, simulate bool) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{"inputArguments": argsToList(args), "simulate": simulate})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	cb := c.breakerFor(ref.SubmitURL)
	submitResp, err := c.withRetry(ctx, cb, func() (map[string]any, error) {
		return c.doJSON(ctx, http.MethodPost, ref.SubmitURL, body)
	})
	if err != nil {
		return nil, err
	}
	jobID, _ := submitResp["job_id"].(string)
	if jobID == "" {
		return nil, fmt.Errorf("%w: delegated submit response missing job_id", ErrExecutionFailed)
	}

	return c.pollJob(ctx, fmt.Sprintf(ref.PollURLFmt, jobID))
}

func (c *Client) pollJob(ctx context.Context, pollURL string) (map[string]any, error) {
	cb := c.breakerFor(pollURL)
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: job poll deadline exceeded", ErrExecutionTimeout)
		default:
		}

		resp, err := c.withRetry(ctx, cb, func() (map[string]any, error) {
			return c.doJSON(ctx, http.MethodGet, pollURL, nil)
		})
		if err != nil {
			return nil, err
		}

		status, _ := resp["status"].(string)
		switch status {
		case "completed":
			out, _ := resp["result"].(map[string]any)
			return out, nil
		case "failed":
			reason, _ := resp["error"].(string)
			return nil, fmt.Errorf("%w: job failed: %s", ErrExecutionFailed, reason)
		case "timeout":
			return nil, fmt.Errorf("%w: job reported timeout", ErrExecutionTimeout)
		}

		wait := pollBackoff(attempt, c.cfg.JobPollMaxInterval, c.cfg.JobPollJitter)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: job poll deadline exceeded", ErrExecutionTimeout)
		case <-timer.C:
		}
	}
}

// ReadPath implements read_path(submodel, path) → value, used both for
// direct reads and for Shadow Twin snapshot/reseed.
func (c *Client) ReadPath(ctx context.Context, submodel, path string) (any, error) {
	url := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s", c.cfg.BaseURL, submodel, path)
	cb := c.breakerFor(url)
	resp, err := c.withRetry(ctx, cb, func() (map[string]any, error) {
		return c.doJSON(ctx, http.MethodGet, url, nil)
	})
	if err != nil {
		return nil, err
	}
	return resp["value"], nil
}

// ReadSubmodel satisfies shadow.Snapshotter: a flat path→value map for a
// whole submodel, used to seed the Shadow Twin when the MQTT subscriber
// first connects.
func (c *Client) ReadSubmodel(ctx context.Context, submodelID string) (map[string]any, error) {
	url := fmt.Sprintf("%s/submodels/%s/submodel-elements", c.cfg.BaseURL, submodelID)
	cb := c.breakerFor(url)
	resp, err := c.withRetry(ctx, cb, func() (map[string]any, error) {
		return c.doJSON(ctx, http.MethodGet, url, nil)
	})
	if err != nil {
		return nil, err
	}
	values, _ := resp["values"].(map[string]any)
	return values, nil
}

// FetchPolicyElement satisfies policystore.Fetcher. The policy's submodel
// and element path are fixed at Client construction time (cfg.PolicySubmodel,
// cfg.PolicyPath) since the Fetcher interface carries no call arguments.
func (c *Client) FetchPolicyElement(ctx context.Context) ([]byte, string, string, error) {
	url := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s", c.cfg.BaseURL, c.cfg.PolicySubmodel, c.cfg.PolicyPath)
	cb := c.breakerFor(url)
	resp, err := c.withRetry(ctx, cb, func() (map[string]any, error) {
		return c.doJSON(ctx, http.MethodGet, url, nil)
	})
	if err != nil {
		return nil, "", "", err
	}
	payload, err := json.Marshal(resp["payload"])
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	sigB64, _ := resp["signature_b64"].(string)
	keyID, _ := resp["key_id"].(string)
	return payload, sigB64, keyID, nil
}

// withRetry retries transient failures (network errors, 5xx) with
// exponential backoff. Circuit-open short-circuits immediately without
// consuming a retry attempt.
func (c *Client) withRetry(ctx context.Context, cb *gobreaker.CircuitBreaker, fn func() (map[string]any, error)) (map[string]any, error) {
	params := backoffParams{Base: c.cfg.RetryBaseDelay, Max: c.cfg.RetryMaxDelay, Jitter: c.cfg.RetryJitter}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryMaxAttempts; attempt++ {
		out, err := cb.Execute(func() (any, error) {
			return fn()
		})
		if err == nil {
			return out.(map[string]any), nil
		}
		if isBreakerOpenErr(err) {
			return nil, fmt.Errorf("%w", ErrCircuitOpen)
		}

		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		if attempt == c.cfg.RetryMaxAttempts {
			break
		}

		timer := time.NewTimer(params.compute(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrExecutionTimeout, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrTransportFailure, lastErr)
}

type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

func isTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte) (map[string]any, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
		}
		defer c.sem.Release(1)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.cfg.Signer != nil {
		c.cfg.Signer.Sign(req, body, time.Now())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transientError{err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientError{err}
	}

	if resp.StatusCode >= 500 {
		return nil, transientError{fmt.Errorf("server error %d: %s", resp.StatusCode, string(data))}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: client error %d: %s", ErrExecutionFailed, resp.StatusCode, string(data))
	}

	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: response decode: %v", ErrMalformedInput, err)
	}
	return out, nil
}

func argsToList(args map[string]any) []map[string]any {
	list := make([]map[string]any, 0, len(args))
	for k, v := range args {
		list = append(list, map[string]any{"idShort": k, "value": v})
	}
	return list
}
