package effect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"effect-dispatch/services/dispatch"

	"github.com/minio/minio-go/v7"
)

// ObjectPutter is the part of the MinIO client the archive handler needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ArchiveHandler stores the event as JSON under
// {prefix}/{tenant_id}/{event_name}/{event_id}.json. The object name is
// stable, so a retried upload overwrites the same object.
type ArchiveHandler struct {
	store  ObjectPutter
	bucket string
}

func NewArchiveHandler(store ObjectPutter, bucket string) *ArchiveHandler {
	return &ArchiveHandler{store: store, bucket: bucket}
}

func (h *ArchiveHandler) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	body, err := json.Marshal(req.Event)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("encode event: %w", err)
	}

	prefix := configString(req, "prefix")
	if prefix == "" {
		prefix = "events"
	}
	object := path.Join(prefix, req.Event.TenantID, req.Event.EventName, req.Event.ID+".json")

	info, err := h.store.PutObject(ctx, h.bucket, object, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"event-id":        req.Event.ID,
			"idempotency-key": req.IdempotencyKey,
		},
	})
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("put %s/%s: %w", h.bucket, object, err)
	}
	return dispatch.Result{Success: true, Data: map[string]any{
		"bucket": h.bucket,
		"object": object,
		"etag":   info.ETag,
	}}, nil
}
