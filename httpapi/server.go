package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/internal/patchstream"
	"pkt.systems/vkstream/schema"
)

// Server replays recorded patch streams over the backend's HTTP surface.
type Server struct {
	cfg      Config
	hub      *Hub
	procs    *ProcessTable
	basePath string
}

// NewServer constructs a replay server.
func NewServer(cfg Config, hub *Hub, procs *ProcessTable) *Server {
	if procs == nil {
		procs = NewProcessTable()
	}
	return &Server{
		cfg:      cfg,
		hub:      hub,
		procs:    procs,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	api := engine.Group(s.basePath + "/api")
	{
		api.GET("/execution-processes", s.handleListProcesses)
		api.GET("/execution-processes/:id", s.handleGetProcess)
		api.GET("/execution-processes/:id/normalized-logs", s.handleNormalizedLogs)
		api.GET("/task-attempts/:id/diff", s.handleAttemptDiff)
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, schema.Failure[any]("not found"))
	})
	return engine
}

func (s *Server) handleListProcesses(c *gin.Context) {
	attemptID := schema.AttemptID(c.Query("task_attempt_id"))
	if err := schema.ValidateAttemptID(attemptID); err != nil {
		c.JSON(http.StatusBadRequest, schema.Failure[any](err.Error()))
		return
	}
	c.JSON(http.StatusOK, schema.OK(s.procs.List(attemptID)))
}

func (s *Server) handleGetProcess(c *gin.Context) {
	id := schema.ProcessID(c.Param("id"))
	proc, ok := s.procs.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, schema.Failure[any](fmt.Sprintf("execution process %s not found", id)))
		return
	}
	c.JSON(http.StatusOK, schema.OK(proc))
}

func (s *Server) handleNormalizedLogs(c *gin.Context) {
	id := schema.ProcessID(c.Param("id"))
	if err := schema.ValidateProcessID(id); err != nil {
		c.JSON(http.StatusBadRequest, schema.Failure[any](err.Error()))
		return
	}
	key := ProcessStream(id)
	if _, ok := s.procs.Get(id); !ok && !s.hub.Known(key) {
		c.JSON(http.StatusNotFound, schema.Failure[any](fmt.Sprintf("execution process %s not found", id)))
		return
	}
	s.handleStream(c, key)
}

func (s *Server) handleAttemptDiff(c *gin.Context) {
	id := schema.AttemptID(c.Param("id"))
	if err := schema.ValidateAttemptID(id); err != nil {
		c.JSON(http.StatusBadRequest, schema.Failure[any](err.Error()))
		return
	}
	s.handleStream(c, DiffStream(id))
}

func (s *Server) handleStream(c *gin.Context, key StreamKey) {
	log := pslog.Ctx(c.Request.Context()).With("stream", string(key))
	after := resumeCursor(c.Request)
	ch, unsubscribe, replay, finished := s.hub.Subscribe(key, after)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	w := c.Writer

	last := after
	for _, batch := range replay {
		if err := writePatchEvent(w, batch); err != nil {
			log.Warn("http stream write failed", "err", err)
			return
		}
		last = batch.BatchID
	}
	if finished {
		_ = writeFinishedEvent(w)
		w.Flush()
		log.Info("http stream replayed", "after", after, "replay", len(replay))
		return
	}
	w.Flush()

	log.Info("http stream opened", "after", after, "replay", len(replay))
	notify := c.Request.Context().Done()
	for {
		select {
		case <-notify:
			log.Info("http stream closed", "last", last)
			return
		case batch, ok := <-ch:
			if !ok {
				s.closeStream(w, log, key, last)
				return
			}
			if batch.BatchID <= last {
				continue
			}
			if err := writePatchEvent(w, batch); err != nil {
				log.Warn("http stream write failed", "err", err)
				return
			}
			last = batch.BatchID
			w.Flush()
		}
	}
}

// closeStream runs once the hub closed the subscriber channel. A finished
// stream gets its remaining batches and the finished event; an evicted
// subscriber is disconnected so the client resumes from its cursor.
func (s *Server) closeStream(w gin.ResponseWriter, log pslog.Logger, key StreamKey, last uint64) {
	tail, finished := s.hub.Tail(key, last)
	if !finished {
		log.Warn("http stream evicted", "last", last)
		return
	}
	for _, batch := range tail {
		if err := writePatchEvent(w, batch); err != nil {
			log.Warn("http stream write failed", "err", err)
			return
		}
		last = batch.BatchID
	}
	_ = writeFinishedEvent(w)
	w.Flush()
	log.Info("http stream finished", "last", last)
}

// resumeCursor prefers the resume query parameter over Last-Event-ID.
func resumeCursor(r *http.Request) uint64 {
	if value := r.URL.Query().Get(patchstream.ResumeParam); value != "" {
		return parseUint(value)
	}
	return parseUint(r.Header.Get("Last-Event-ID"))
}

func writePatchEvent(w io.Writer, batch schema.PatchBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", patchstream.EventPatch, batch.BatchID, strings.TrimSpace(string(data)))
	return err
}

func writeFinishedEvent(w io.Writer) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: {}\n\n", patchstream.EventFinished)
	return err
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
