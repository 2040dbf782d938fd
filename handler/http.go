package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/escalation"
	"github.com/pyama86/siren/domain/model"
)

type api struct {
	engine   *escalation.Engine
	catalog  *escalation.Catalog
	reviewer *escalation.Reviewer
}

func NewRouter(engine *escalation.Engine, catalog *escalation.Catalog, reviewer *escalation.Reviewer, gatherer prometheus.Gatherer) *gin.Engine {
	a := &api{engine: engine, catalog: catalog, reviewer: reviewer}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.POST("/incidents", a.report)
	r.GET("/incidents", a.activeIncidents)
	r.GET("/incidents/:id", a.incident)
	r.POST("/incidents/:id/ack", a.acknowledge)
	r.POST("/incidents/:id/resolve", a.resolve)
	r.POST("/incidents/:id/review", a.review)

	r.GET("/policies", a.policies)
	r.GET("/policies/:id", a.policy)
	r.PUT("/policies/:id", a.savePolicy)
	r.DELETE("/policies/:id", a.deletePolicy)

	r.GET("/templates", a.templates)
	r.GET("/templates/:id", a.template)
	r.PUT("/templates/:id", a.saveTemplate)
	r.DELETE("/templates/:id", a.deleteTemplate)

	r.GET("/audit", a.audit)
	r.GET("/audit/verify", a.verifyAudit)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, escalation.ErrInvalidSignal),
		errors.Is(err, escalation.ErrInvalidPolicy),
		errors.Is(err, escalation.ErrInvalidTemplate),
		errors.Is(err, escalation.ErrActorRequired):
		return http.StatusBadRequest
	case errors.Is(err, escalation.ErrIncidentNotFound),
		errors.Is(err, escalation.ErrPolicyNotFound),
		errors.Is(err, escalation.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, escalation.ErrInvalidTransition),
		errors.Is(err, escalation.ErrTemplateInUse):
		return http.StatusConflict
	case errors.Is(err, escalation.ErrContended):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.String("path", c.FullPath()), slog.Any("err", err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (a *api) report(c *gin.Context) {
	var sig entity.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := a.engine.Report(c.Request.Context(), sig)
	if err != nil {
		abort(c, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == model.OutcomeCreated {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (a *api) activeIncidents(c *gin.Context) {
	incidents, err := a.engine.ActiveIncidents(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	if incidents == nil {
		incidents = []entity.Incident{}
	}
	c.JSON(http.StatusOK, incidents)
}

func (a *api) incident(c *gin.Context) {
	view, err := a.engine.Incident(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type transitionRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

func bindTransition(c *gin.Context) (transitionRequest, bool) {
	var req transitionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return req, false
		}
	}
	if req.Actor == "" {
		req.Actor = c.GetHeader("X-Actor")
	}
	return req, true
}

func (a *api) acknowledge(c *gin.Context) {
	req, ok := bindTransition(c)
	if !ok {
		return
	}
	inc, err := a.engine.Acknowledge(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (a *api) resolve(c *gin.Context) {
	req, ok := bindTransition(c)
	if !ok {
		return
	}
	inc, err := a.engine.Resolve(c.Request.Context(), c.Param("id"), req.Actor, req.Notes)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (a *api) review(c *gin.Context) {
	review, err := a.reviewer.Review(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, review)
}

func (a *api) policies(c *gin.Context) {
	policies, err := a.catalog.Policies(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	if policies == nil {
		policies = []entity.Policy{}
	}
	c.JSON(http.StatusOK, policies)
}

func (a *api) policy(c *gin.Context) {
	p, err := a.catalog.Policy(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *api) savePolicy(c *gin.Context) {
	var p entity.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.ID = c.Param("id")
	if err := a.catalog.SavePolicy(c.Request.Context(), &p); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *api) deletePolicy(c *gin.Context) {
	if err := a.catalog.DeletePolicy(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (a *api) templates(c *gin.Context) {
	templates, err := a.catalog.Templates(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	if templates == nil {
		templates = []entity.Template{}
	}
	c.JSON(http.StatusOK, templates)
}

func (a *api) template(c *gin.Context) {
	t, err := a.catalog.Template(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *api) saveTemplate(c *gin.Context) {
	var t entity.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t.ID = c.Param("id")
	if err := a.catalog.SaveTemplate(c.Request.Context(), &t); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *api) deleteTemplate(c *gin.Context) {
	if err := a.catalog.DeleteTemplate(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// audit reads by time when since is given, otherwise by seq.
func (a *api) audit(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		entries []entity.AuditEntry
		err     error
	)
	if since := c.Query("since"); since != "" {
		var from, until time.Time
		from, err = time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since: " + err.Error()})
			return
		}
		if u := c.Query("until"); u != "" {
			until, err = time.Parse(time.RFC3339, u)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "until: " + err.Error()})
				return
			}
		}
		entries, err = a.engine.Audit().Between(ctx, from, until)
	} else {
		var fromSeq, toSeq int64
		if fromSeq, err = queryInt(c, "from_seq"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from_seq: " + err.Error()})
			return
		}
		if toSeq, err = queryInt(c, "to_seq"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to_seq: " + err.Error()})
			return
		}
		entries, err = a.engine.Audit().Range(ctx, fromSeq, toSeq)
	}
	if err != nil {
		abort(c, err)
		return
	}
	if entries == nil {
		entries = []entity.AuditEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func queryInt(c *gin.Context, key string) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (a *api) verifyAudit(c *gin.Context) {
	n, err := a.engine.Audit().Verify(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "entries": n})
}
