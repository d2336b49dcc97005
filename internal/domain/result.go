package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// CompressionZstd marks a result whose payload is a base64 string holding the
// zstd-compressed JSON of the original payload.
const CompressionZstd = "zstd"

// FetchResult is the outcome of a single fetch attempt for a QueueItem.
type FetchResult struct {
	Item         QueueItem       `json:"item"`
	Result       json.RawMessage `json:"result"`
	Elapsed      time.Duration   `json:"-"`
	IsSuccess    bool            `json:"is_success"`
	CanRetry     bool            `json:"can_retry"`
	Compression  string          `json:"compression"`
	ErrorType    *string         `json:"error_type"`
	ErrorMessage *string         `json:"error_message"`

	Handle Handle `json:"-"`
}

// resultWire carries Elapsed as float seconds on the wire.
type resultWire struct {
	Item         QueueItem       `json:"item"`
	Result       json.RawMessage `json:"result"`
	Elapsed      float64         `json:"elapsed"`
	IsSuccess    bool            `json:"is_success"`
	CanRetry     bool            `json:"can_retry"`
	Compression  *string         `json:"compression"`
	ErrorType    *string         `json:"error_type"`
	ErrorMessage *string         `json:"error_message"`
}

func (r FetchResult) MarshalJSON() ([]byte, error) {
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	var compression *string
	if r.Compression != "" {
		compression = &r.Compression
	}
	return json.Marshal(resultWire{
		Item:         r.Item,
		Result:       result,
		Elapsed:      r.Elapsed.Seconds(),
		IsSuccess:    r.IsSuccess,
		CanRetry:     r.CanRetry,
		Compression:  compression,
		ErrorType:    r.ErrorType,
		ErrorMessage: r.ErrorMessage,
	})
}

func (r *FetchResult) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var compression string
	if w.Compression != nil {
		compression = *w.Compression
	}
	*r = FetchResult{
		Item:         w.Item,
		Result:       w.Result,
		Elapsed:      time.Duration(w.Elapsed * float64(time.Second)),
		IsSuccess:    w.IsSuccess,
		CanRetry:     w.CanRetry,
		Compression:  compression,
		ErrorType:    w.ErrorType,
		ErrorMessage: w.ErrorMessage,
	}
	return nil
}

// NewSuccess builds a successful result. payload must be JSON-marshalable;
// in practice it is a map (an object row) or a string.
func NewSuccess(item QueueItem, payload any, elapsed time.Duration) (FetchResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return FetchResult{}, fmt.Errorf("marshal payload: %w", err)
	}
	return FetchResult{
		Item:      item,
		Result:    raw,
		Elapsed:   elapsed,
		IsSuccess: true,
		Handle:    item.Handle,
	}, nil
}

// NewFailure builds a failed result with no payload.
func NewFailure(item QueueItem, errType, errMsg string, canRetry bool, elapsed time.Duration) FetchResult {
	return FetchResult{
		Item:         item,
		Elapsed:      elapsed,
		CanRetry:     canRetry,
		ErrorType:    StringPtr(errType),
		ErrorMessage: StringPtr(errMsg),
		Handle:       item.Handle,
	}
}

// ErrorText returns "type: message" for the failure, or "" on success.
func (r FetchResult) ErrorText() string {
	switch {
	case r.ErrorType != nil && r.ErrorMessage != nil:
		return *r.ErrorType + ": " + *r.ErrorMessage
	case r.ErrorMessage != nil:
		return *r.ErrorMessage
	case r.ErrorType != nil:
		return *r.ErrorType
	}
	return ""
}

// Payload decodes the result, undoing compression when present.
// A missing result decodes to nil.
func (r FetchResult) Payload() (any, error) {
	raw, err := r.rawPayload()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

func (r FetchResult) rawPayload() ([]byte, error) {
	switch r.Compression {
	case "":
		return r.Result, nil
	case CompressionZstd:
		var encoded string
		if err := json.Unmarshal(r.Result, &encoded); err != nil {
			return nil, fmt.Errorf("decode compressed payload: %w", err)
		}
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode compressed payload: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, r.Compression)
	}
}

// Compressed returns a copy whose payload is zstd-compressed. Results that are
// already compressed or carry no payload are returned unchanged.
func (r FetchResult) Compressed() (FetchResult, error) {
	if r.Compression != "" || len(r.Result) == 0 || string(r.Result) == "null" {
		return r, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return r, err
	}
	defer enc.Close()
	compressed := enc.EncodeAll(r.Result, nil)
	raw, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
	if err != nil {
		return r, err
	}
	c := r
	c.Result = raw
	c.Compression = CompressionZstd
	return c, nil
}
