package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"djp.chapter42.de/renderq/internal/job"
	"djp.chapter42.de/renderq/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobService is the part of the job queue the HTTP layer needs.
type JobService interface {
	AddJob(id string, payload, metadata json.RawMessage) (job.Job, error)
	AddJobs(prefix string, payloads []json.RawMessage) ([]job.Job, error)
	Job(id string) (job.Job, error)
	Jobs() []job.Job
	JobsByStatus(status job.Status) []job.Job
	CancelJob(id string) (bool, error)
	Statistics() queue.Statistics
	Pause()
	Resume()
	ClearCompleted() int
}

type JobHandler struct {
	jobs JobService
	log  *zap.Logger
}

func NewJobHandler(jobs JobService, log *zap.Logger) *JobHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobHandler{jobs: jobs, log: log}
}

type newJobRequest struct {
	ID       string          `json:"id"`
	Workflow json.RawMessage `json:"workflow" binding:"required"`
	Metadata json.RawMessage `json:"metadata"`
}

type batchRequest struct {
	Prefix    string            `json:"prefix"`
	Workflows []json.RawMessage `json:"workflows" binding:"required,min=1"`
}

// Create nimmt einen einzelnen Workflow entgegen. Ohne id wird eine UUID vergeben.
func (h *JobHandler) Create(c *gin.Context) {
	var req newJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Fehler beim Parsen des JSON-Jobs:", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ungültiges JSON-Format"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	j, err := h.jobs.AddJob(req.ID, req.Workflow, req.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.log.Info("Neuer Job empfangen:", zap.String("id", j.ID), zap.String("request_id", requestID(c)))
	c.JSON(http.StatusAccepted, gin.H{"message": "Job akzeptiert", "id": j.ID})
}

// CreateBatch nimmt mehrere Workflows entgegen. Der Präfix bekommt ein zufälliges Suffix,
// damit zwei Batches in derselben Sekunde nicht kollidieren.
func (h *JobHandler) CreateBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Fehler beim Parsen des JSON-Batches:", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ungültiges JSON-Format"})
		return
	}
	if req.Prefix == "" {
		req.Prefix = "job"
	}
	prefix := req.Prefix + "_" + uuid.NewString()[:8]

	added, err := h.jobs.AddJobs(prefix, req.Workflows)
	if err != nil {
		h.respondError(c, err)
		return
	}

	ids := make([]string, len(added))
	for i, j := range added {
		ids[i] = j.ID
	}
	h.log.Info("Batch empfangen:", zap.Int("count", len(ids)), zap.String("request_id", requestID(c)))
	c.JSON(http.StatusAccepted, gin.H{"message": "Jobs akzeptiert", "ids": ids})
}

func (h *JobHandler) List(c *gin.Context) {
	status := c.Query("status")
	if status == "" {
		c.JSON(http.StatusOK, h.jobs.Jobs())
		return
	}
	s := job.Status(status)
	if !s.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unbekannter Status: " + status})
		return
	}
	c.JSON(http.StatusOK, h.jobs.JobsByStatus(s))
}

func (h *JobHandler) Get(c *gin.Context) {
	j, err := h.jobs.Job(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *JobHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.jobs.CancelJob(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "Job ist bereits abgeschlossen", "id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job abgebrochen", "id": id})
}

func (h *JobHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.Statistics())
}

func (h *JobHandler) Pause(c *gin.Context) {
	h.jobs.Pause()
	c.JSON(http.StatusOK, gin.H{"message": "Queue pausiert"})
}

func (h *JobHandler) Resume(c *gin.Context) {
	h.jobs.Resume()
	c.JSON(http.StatusOK, gin.H{"message": "Queue fortgesetzt"})
}

func (h *JobHandler) Clear(c *gin.Context) {
	n := h.jobs.ClearCompleted()
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (h *JobHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrInvalidJobID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error("Unerwarteter Fehler:", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Interner Fehler"})
	}
}
