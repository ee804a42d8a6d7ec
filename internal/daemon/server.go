package daemon

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/birchsec/birch/internal/errors"
	"github.com/birchsec/birch/internal/pool"
	"github.com/birchsec/birch/internal/rotation"
)

// rotateSchema validates the signal body before anything touches it.
const rotateSchema = `{
  "type": "object",
  "required": ["secret_name", "env"],
  "additionalProperties": false,
  "properties": {
    "secret_name": {"type": "string", "minLength": 1},
    "env": {"type": "string", "minLength": 1},
    "service": {"type": "string"},
    "target": {"type": "string"}
  }
}`

// SignalResponse is the body of every daemon reply.
type SignalResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type rotateSignal struct {
	SecretName string `json:"secret_name"`
	Env        string `json:"env"`
	Service    string `json:"service"`
	Target     string `json:"target"`
}

// Handler builds the HTTP routes. Exposed separately from Run so tests can
// drive the daemon through httptest.
func (d *Daemon) Handler() http.Handler {
	if !d.cfg.Logger.IsDebug() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/rotate", d.handleRotate)
	router.GET("/health", d.handleHealth)
	router.GET("/status", d.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func (d *Daemon) handleRotate(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		c.JSON(http.StatusBadRequest, SignalResponse{Message: "unreadable request body"})
		return
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(rotateSchema),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		d.metrics.RecordQueueRejected("malformed")
		c.JSON(http.StatusBadRequest, SignalResponse{Message: "request body is not valid JSON"})
		return
	}
	if !result.Valid() {
		d.metrics.RecordQueueRejected("malformed")
		var reasons []string
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		c.JSON(http.StatusBadRequest, SignalResponse{Message: strings.Join(reasons, "; ")})
		return
	}

	var signal rotateSignal
	if err := json.Unmarshal(body, &signal); err != nil {
		c.JSON(http.StatusBadRequest, SignalResponse{Message: "request body is not valid JSON"})
		return
	}

	id := pool.Identity{SecretName: signal.SecretName, Environment: signal.Env}

	// debounce: a hot rate-limit loop is cut off here instead of piling up
	// queue entries
	if err := d.cooldown.Check(id); err != nil {
		var active errors.CooldownActiveError
		if stderrors.As(err, &active) {
			d.metrics.RecordQueueRejected("cooldown")
			c.JSON(http.StatusTooManyRequests, SignalResponse{Message: active.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, SignalResponse{Message: "cooldown check failed"})
		return
	}

	req := rotation.Request{
		Identity: id,
		Service:  signal.Service,
		Target:   signal.Target,
		Actor:    signalActor,
		WaitLock: true,
	}

	accepted, duplicate := d.enqueue(req)
	if !accepted {
		d.metrics.RecordQueueRejected("queue_full")
		c.JSON(http.StatusServiceUnavailable, SignalResponse{Message: "rotation queue is full"})
		return
	}
	if duplicate {
		c.JSON(http.StatusAccepted, SignalResponse{Success: true, Message: fmt.Sprintf("rotation of %s already queued", id)})
		return
	}
	c.JSON(http.StatusAccepted, SignalResponse{Success: true, Message: fmt.Sprintf("rotation of %s queued", id)})
}

func (d *Daemon) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (d *Daemon) handleStatus(c *gin.Context) {
	queued := d.queuedIdentities()
	names := make([]string, 0, len(queued))
	for _, id := range queued {
		names = append(names, id.String())
	}
	c.JSON(http.StatusOK, gin.H{
		"bind":   d.cfg.DaemonBind(),
		"queued": names,
	})
}
