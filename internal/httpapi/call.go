package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/invocation"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/svcfields"
)

// Response messages.
const (
	MessageWrittenAndVerified = "File written to bucket and database connection verified."
	MessageWritten            = "File written to bucket successfully."
)

// versionLogWidth bounds how much of the database version is logged.
const versionLogWidth = 30

// CallResponse is the body of a successful invocation.
type CallResponse struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	InvocationID    string `json:"invocation_id"`
	Bucket          string `json:"bucket"`
	ObjectName      string `json:"object_name"`
	DatabaseVersion string `json:"database_version,omitempty"`
}

// ObjectName returns the name of the object written for invocation id.
func ObjectName(prefix, id string) string {
	return prefix + "-" + id + ".txt"
}

// Payload returns the text written for invocation id.
func Payload(greeting, id string) string {
	return fmt.Sprintf("%s This is invocation %s.", greeting, id)
}

func truncateVersion(version string) string {
	if len(version) > versionLogWidth {
		version = version[:versionLogWidth]
	}
	return version + "..."
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return httpError{Status: http.StatusMethodNotAllowed, Detail: "method not allowed: use POST"}
	}
	ctx := r.Context()
	logger := svcfields.FromContext(ctx)
	id := invocation.ID(ctx)
	logger.Info("call.received")

	if h.store == nil {
		return fault.New(fault.KindDependencyUnavailable, "call.dependencies", "Service Unavailable: object storage client not initialized.")
	}
	if h.dbRequired && h.db == nil {
		return fault.New(fault.KindDependencyUnavailable, "call.dependencies", "Service Unavailable: database pool not initialized.")
	}

	if key := h.missingTargetKey(); key != "" {
		logger.Error("call.config.missing", "key", key)
		return fault.New(fault.KindConfiguration, "call.target", "Configuration Error: Missing environment variable "+key)
	}

	objectName := ObjectName(h.prefix, id)
	payload := Payload(h.greeting, id)
	logger.Info("call.object.write", "bucket", h.target.Bucket, "object", objectName, "size", humanize.Bytes(uint64(len(payload))))
	info, err := h.store.PutObject(ctx, h.target, objectName, strings.NewReader(payload), storage.PutObjectOptions{
		ContentType: storage.ContentTypeText,
		Size:        int64(len(payload)),
	})
	if err != nil {
		if fault.Is(err, fault.KindUpstream) {
			return fault.Wrapf(fault.KindUpstream, "call.put_object", err, "Object Storage Error: %s", upstreamMessage(err))
		}
		return err
	}
	logger.Info("call.object.written", "object", objectName, "etag", info.ETag, "request_id", info.RequestID)

	resp := CallResponse{
		Status:       "success",
		Message:      MessageWritten,
		InvocationID: id,
		Bucket:       h.target.Bucket,
		ObjectName:   objectName,
	}
	if h.db != nil {
		logger.Info("call.database.query")
		version, err := h.db.Version(ctx)
		if err != nil {
			if fault.Is(err, fault.KindUpstream) {
				return fault.Wrapf(fault.KindUpstream, "call.database", err, "Database Error: %s", upstreamMessage(err))
			}
			return err
		}
		logger.Info("call.database.verified", "version", truncateVersion(version))
		resp.Message = MessageWrittenAndVerified
		resp.DatabaseVersion = version
	}
	h.writeJSON(w, http.StatusOK, resp)
	logger.Info("call.completed", "object", objectName)
	return nil
}

func upstreamMessage(err error) string {
	if d, ok := fault.UpstreamOf(err); ok && d.Message != "" {
		return d.Message
	}
	return err.Error()
}
