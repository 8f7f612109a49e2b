package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/backupsvc"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/jobs"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// BackupHandler persists backup configuration and triggers snapshots.
// Admin gated at the route level.
type BackupHandler struct {
	configs repositories.BackupConfigRepository
	service *backupsvc.Service
	manager *jobs.Manager
	logger  *zap.Logger
}

func NewBackupHandler(configs repositories.BackupConfigRepository, service *backupsvc.Service, manager *jobs.Manager, logger *zap.Logger) *BackupHandler {
	return &BackupHandler{configs: configs, service: service, manager: manager, logger: logger}
}

type backupRequest struct {
	Provider    string `json:"provider"`
	Bucket      string `json:"bucket,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	CronExpr    string `json:"cron_expr,omitempty"`
	BackupLimit int    `json:"backup_limit,omitempty"`

	// Detached runs the snapshot as a scheduler job instead of in-process,
	// for share volumes too large to archive inside the API deadline.
	Detached bool `json:"detached,omitempty"`
}

// Configure persists the backup settings, reschedules the cron job, and
// runs one snapshot immediately.
func (h *BackupHandler) Configure(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Provider {
	case "local", "s3", "azure", "gcs":
	default:
		BadRequest(w, "provider must be local, s3, azure, or gcs")
		return
	}
	if req.Provider != "local" && req.Bucket == "" {
		BadRequest(w, "bucket is required for remote providers")
		return
	}
	if req.CronExpr != "" {
		if err := backupsvc.ValidateCron(req.CronExpr); err != nil {
			BadRequest(w, "invalid cron_expr")
			return
		}
	}
	limit := req.BackupLimit
	if limit <= 0 {
		limit = backupsvc.DefaultBackupLimit
	}

	cfg := &db.BackupConfig{
		Provider:    req.Provider,
		Bucket:      req.Bucket,
		Prefix:      req.Prefix,
		CronExpr:    req.CronExpr,
		BackupLimit: limit,
	}
	if err := h.configs.Upsert(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.Reschedule(cfg); err != nil {
		writeError(w, err)
		return
	}

	if req.Detached {
		jobID, err := h.manager.StartBackup(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		h.logger.Info("detached backup submitted", zap.String("job_id", jobID))
		Ok(w, map[string]any{"job_id": jobID})
		return
	}

	name, err := h.service.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("backup written", zap.String("backup", name))
	Ok(w, map[string]any{"backup": name})
}

// GetConfig returns the persisted backup settings.
func (h *BackupHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, cfg)
}
