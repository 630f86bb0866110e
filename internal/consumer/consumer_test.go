package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/clock"
	"pkt.systems/blobd/internal/dedup"
	"pkt.systems/blobd/internal/queue"
	"pkt.systems/blobd/internal/store"
)

type storedCall struct {
	data  []byte
	file  store.File
	owner store.Identity
}

type fakeStorage struct {
	calls []storedCall
	err   error
}

func (f *fakeStorage) Store(_ context.Context, file store.File, owner store.Identity) (*api.StoredObject, error) {
	data, readErr := io.ReadAll(file.Reader)
	if readErr != nil {
		return nil, readErr
	}
	f.calls = append(f.calls, storedCall{data: data, file: file, owner: owner})
	if f.err != nil {
		return nil, f.err
	}
	return &api.StoredObject{
		Key:      owner.ID + "/" + file.OriginalName,
		Location: "http://store/" + owner.ID + "/" + file.OriginalName,
		MimeType: file.MimeType,
	}, nil
}

func newCache(t *testing.T, ttl time.Duration, clk clock.Clock) *dedup.Cache {
	t.Helper()
	cache, err := dedup.New(0, ttl, clk)
	if err != nil {
		t.Fatalf("new dedup cache: %v", err)
	}
	return cache
}

func envelopePayload(t *testing.T, env api.UploadEnvelope) []byte {
	t.Helper()
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

func validEnvelope() api.UploadEnvelope {
	return api.UploadEnvelope{
		File: api.FilePayload{
			Buffer:       api.EncodeBuffer([]byte("file content")),
			OriginalName: "report.pdf",
			MimeType:     "application/pdf",
			Size:         12,
		},
		Metadata: api.OwnerMetadata{ID: "u1", Role: "user", Name: "Alice", Email: "alice@example.com"},
	}
}

func TestHandleUploadStoresEnvelope(t *testing.T) {
	storage := &fakeStorage{}
	c := New(storage, newCache(t, 0, nil), nil)

	res, err := c.HandleUpload(context.Background(), envelopePayload(t, validEnvelope()), queue.Properties{MessageID: "m1"})
	if err != nil {
		t.Fatalf("handle upload: %v", err)
	}
	if res.Skipped {
		t.Fatalf("expected first delivery to be processed")
	}
	if res.Object == nil || res.Object.Key != "u1/report.pdf" {
		t.Fatalf("unexpected stored object: %+v", res.Object)
	}
	if len(storage.calls) != 1 {
		t.Fatalf("expected 1 store call, got %d", len(storage.calls))
	}
	call := storage.calls[0]
	if string(call.data) != "file content" {
		t.Fatalf("unexpected stored data %q", call.data)
	}
	if call.file.Size != int64(len("file content")) {
		t.Fatalf("expected size from decoded buffer, got %d", call.file.Size)
	}
	if call.owner != (store.Identity{ID: "u1", Role: store.RoleUser, Name: "Alice", Email: "alice@example.com"}) {
		t.Fatalf("unexpected owner identity %+v", call.owner)
	}
}

func TestHandleUploadSkipsDuplicate(t *testing.T) {
	storage := &fakeStorage{}
	c := New(storage, newCache(t, 0, nil), nil)
	payload := envelopePayload(t, validEnvelope())
	props := queue.Properties{MessageID: "m1"}

	if _, err := c.HandleUpload(context.Background(), payload, props); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	res, err := c.HandleUpload(context.Background(), payload, props)
	if err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("expected duplicate to be skipped")
	}
	if len(storage.calls) != 1 {
		t.Fatalf("expected 1 store call, got %d", len(storage.calls))
	}
}

func TestHandleUploadDuplicateExpiresAfterWindow(t *testing.T) {
	storage := &fakeStorage{}
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New(storage, newCache(t, time.Minute, clk), nil)
	payload := envelopePayload(t, validEnvelope())
	props := queue.Properties{MessageID: "m1"}

	if _, err := c.HandleUpload(context.Background(), payload, props); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	clk.Advance(time.Minute + time.Second)
	res, err := c.HandleUpload(context.Background(), payload, props)
	if err != nil {
		t.Fatalf("redelivery after window: %v", err)
	}
	if res.Skipped {
		t.Fatalf("expected redelivery outside the window to be processed")
	}
	if len(storage.calls) != 2 {
		t.Fatalf("expected 2 store calls, got %d", len(storage.calls))
	}
}

func TestHandleUploadFallbackIdentity(t *testing.T) {
	storage := &fakeStorage{}
	c := New(storage, newCache(t, 0, nil), nil)
	payload := envelopePayload(t, validEnvelope())

	if _, err := c.HandleUpload(context.Background(), payload, queue.Properties{}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	res, err := c.HandleUpload(context.Background(), payload, queue.Properties{})
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("expected identical payload without message id to dedup")
	}
}

func TestHandleUploadNormalizesUserID(t *testing.T) {
	storage := &fakeStorage{}
	c := New(storage, newCache(t, 0, nil), nil)
	env := validEnvelope()
	env.Metadata.ID = ""
	env.Metadata.UserID = "legacy-7"

	if _, err := c.HandleUpload(context.Background(), envelopePayload(t, env), queue.Properties{MessageID: "m1"}); err != nil {
		t.Fatalf("handle upload: %v", err)
	}
	if storage.calls[0].owner.ID != "legacy-7" {
		t.Fatalf("expected owner id from userId claim, got %q", storage.calls[0].owner.ID)
	}
}

func TestHandleUploadArrayBuffer(t *testing.T) {
	storage := &fakeStorage{}
	c := New(storage, newCache(t, 0, nil), nil)
	env := validEnvelope()
	env.File.Buffer = json.RawMessage("[104,105]")

	if _, err := c.HandleUpload(context.Background(), envelopePayload(t, env), queue.Properties{MessageID: "m1"}); err != nil {
		t.Fatalf("handle upload: %v", err)
	}
	if string(storage.calls[0].data) != "hi" {
		t.Fatalf("unexpected decoded data %q", storage.calls[0].data)
	}
}

func TestHandleUploadValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload func(t *testing.T) []byte
	}{
		{name: "malformed json", payload: func(t *testing.T) []byte {
			return []byte("{not json")
		}},
		{name: "missing owner", payload: func(t *testing.T) []byte {
			env := validEnvelope()
			env.Metadata = api.OwnerMetadata{}
			return envelopePayload(t, env)
		}},
		{name: "missing buffer", payload: func(t *testing.T) []byte {
			env := validEnvelope()
			env.File.Buffer = nil
			return envelopePayload(t, env)
		}},
		{name: "missing original name", payload: func(t *testing.T) []byte {
			env := validEnvelope()
			env.File.OriginalName = ""
			return envelopePayload(t, env)
		}},
		{name: "bad buffer encoding", payload: func(t *testing.T) []byte {
			env := validEnvelope()
			env.File.Buffer = json.RawMessage(`"not-base64!!"`)
			return envelopePayload(t, env)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			storage := &fakeStorage{}
			c := New(storage, newCache(t, 0, nil), nil)
			_, err := c.HandleUpload(context.Background(), tc.payload(t), queue.Properties{MessageID: "m1"})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(storage.calls) != 0 {
				t.Fatalf("expected no store calls, got %d", len(storage.calls))
			}
		})
	}
}

func TestHandleUploadStoreFailureAllowsRetry(t *testing.T) {
	storage := &fakeStorage{err: errors.New("backend down")}
	c := New(storage, newCache(t, 0, nil), nil)
	payload := envelopePayload(t, validEnvelope())
	props := queue.Properties{MessageID: "m1"}

	if _, err := c.HandleUpload(context.Background(), payload, props); err == nil {
		t.Fatalf("expected store error")
	}
	// Failure must not poison the dedup cache.
	storage.err = nil
	res, err := c.HandleUpload(context.Background(), payload, props)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if res.Skipped {
		t.Fatalf("expected retry to be processed, not skipped")
	}
	if len(storage.calls) != 2 {
		t.Fatalf("expected 2 store calls, got %d", len(storage.calls))
	}
}
