// Package admin is the HTTP control surface of one execution context: it
// reports task state and injects registration requests.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/auth"
	"github.com/danmuck/cnasreg/internal/cause"
	"github.com/danmuck/cnasreg/internal/ccb"
	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/mntn"
	"github.com/danmuck/cnasreg/internal/observability"
	"github.com/danmuck/cnasreg/internal/peer/casm"
	"github.com/danmuck/cnasreg/internal/protocol"
	"github.com/danmuck/cnasreg/internal/stack"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	stack  *stack.Stack
	router *gin.Engine
	addr   string
}

func New(s *stack.Stack) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(observability.Component("admin")))
	r.Use(observability.RequestMetrics(s.Config.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.Config.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "PUT"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Server{stack: s, router: r, addr: s.Config.AdminAddr}
	a.routes()
	return a
}

func (a *Server) Handler() http.Handler {
	return a.router
}

// Serve listens on the configured address until ctx ends.
func (a *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: a.addr, Handler: a.router, ReadHeaderTimeout: 5 * time.Second}
	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.addr).Msg("admin.Server listening")
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Server) routes() {
	r := a.router
	r.GET("/health", a.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/session", a.session)
	r.GET("/tables", a.tables)
	r.GET("/trace", a.trace)
	r.GET("/peers", a.peers)

	ops := r.Group("/")
	if token := a.stack.Config.AdminToken; token != "" {
		ops.Use(auth.Require(auth.StaticToken{Token: token}))
	}
	ops.POST("/register", a.register)
	ops.POST("/abort", a.abort)
	ops.POST("/sci", a.sci)
	ops.PUT("/ccb", a.updateCCB)
	ops.PUT("/casm", a.updateCasm)
}

func (a *Server) health(c *gin.Context) {
	s := a.stack
	pool := s.Bus.Pool()
	body := gin.H{
		"status":  "ok",
		"service": s.Config.Name,
		"context": uint32(s.Config.Context),
		"tasks":   s.Config.Tasks,
		"pool": gin.H{
			"outstanding": pool.Outstanding(),
			"limit":       pool.Limit(),
			"failures":    pool.Failures(),
		},
	}
	if !s.Started.IsZero() {
		body["uptime"] = time.Since(s.Started).String()
	}
	if s.Bridge != nil {
		body["bridge"] = gin.H{"remote": uint32(s.Bridge.Remote()), "connected": s.Bridge.Connected()}
	}
	c.JSON(http.StatusOK, body)
}

func (a *Server) session(c *gin.Context) {
	if a.stack.XREG == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": stack.ErrTaskNotHosted.Error()})
		return
	}
	c.JSON(http.StatusOK, a.stack.XREG.View())
}

type entryInfo struct {
	Msg  string `json:"msg"`
	Next string `json:"next"`
}

type stateInfo struct {
	ID      uint32      `json:"id"`
	Name    string      `json:"name"`
	Entries []entryInfo `json:"entries"`
}

type tableInfo struct {
	Module string      `json:"module"`
	States []stateInfo `json:"states"`
}

func (a *Server) tables(c *gin.Context) {
	reg := a.stack.Registry
	out := make([]tableInfo, 0)
	for _, m := range reg.Modules() {
		t, ok := reg.Table(m)
		if !ok {
			continue
		}
		info := tableInfo{Module: string(m)}
		for _, st := range t.States {
			si := stateInfo{ID: uint32(st.ID), Name: t.StateName(st.ID)}
			for _, e := range st.Entries {
				next := "same"
				if e.Next != fsm.Same {
					next = t.StateName(e.Next)
				}
				si.Entries = append(si.Entries, entryInfo{Msg: e.Msg.String(), Next: next})
			}
			info.States = append(info.States, si)
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"tables": out})
}

type traceRecord struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Module   string    `json:"module,omitempty"`
	State    string    `json:"state,omitempty"`
	Msg      string    `json:"msg"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Length   uint32    `json:"length"`
	Detail   string    `json:"detail,omitempty"`
}

func (a *Server) trace(c *gin.Context) {
	kind := mntn.Kind(strings.TrimSpace(c.Query("kind")))
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	var entries []mntn.Entry
	source := "memory"
	if a.stack.Trace != nil {
		source = "sqlite"
		var err error
		entries, err = a.stack.Trace.Recent(c.Request.Context(), kind, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else {
		all := a.stack.Memory.Entries()
		if kind != "" {
			all = a.stack.Memory.Kind(kind)
		}
		for i := len(all) - 1; i >= 0 && len(entries) < limit; i-- {
			entries = append(entries, all[i])
		}
	}

	out := make([]traceRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, traceRecord{
			At:       e.At,
			Kind:     string(e.Kind),
			Module:   e.Module,
			State:    e.State,
			Msg:      e.Envelope.Name.String(),
			Sender:   e.Envelope.Sender.String(),
			Receiver: e.Envelope.Receiver.String(),
			Length:   e.Envelope.Length,
			Detail:   e.Detail,
		})
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "records": out})
}

func (a *Server) peers(c *gin.Context) {
	s := a.stack
	body := gin.H{}
	if s.CASM != nil {
		body["casm"] = gin.H{"stats": s.CASM.Stats(), "response": s.CASM.Response()}
	}
	if s.RRM != nil {
		body["rrm"] = gin.H{"registrations": s.RRM.Registrations()}
	}
	if s.MSCC != nil {
		body["mscc"] = gin.H{"confirmations": s.MSCC.History(), "seen": s.MSCC.Seen()}
	}
	c.JSON(http.StatusOK, body)
}

type registerRequest struct {
	RegType string `json:"reg_type"`
}

func (a *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	regType, err := protocol.ParseRegType(strings.TrimSpace(req.RegType))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.inject(c, protocol.RegReq{RegType: regType})
}

func (a *Server) abort(c *gin.Context) {
	a.inject(c, protocol.AbortReq{})
}

type sciRequest struct {
	SlotCycleIndex *uint8 `json:"slot_cycle_index"`
}

func (a *Server) sci(c *gin.Context) {
	var req sciRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SlotCycleIndex == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slot_cycle_index is required"})
		return
	}
	a.inject(c, protocol.SciChangeInd{SlotCycleIndex: *req.SlotCycleIndex})
}

func (a *Server) inject(c *gin.Context, msg protocol.Message) {
	err := a.stack.Request(msg)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "msg": msg.Name().String()})
	case errors.Is(err, stack.ErrTaskNotHosted):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, channel.ErrOutOfMemory):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type ccbRequest struct {
	MtCallInRoaming *bool   `json:"mt_call_in_roaming"`
	ReturnCause     *string `json:"return_cause"`
	ModemID         *uint16 `json:"modem_id"`
}

func (a *Server) updateCCB(c *gin.Context) {
	var req ccbRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var rc *cause.LowLevel
	if req.ReturnCause != nil {
		parsed, err := cause.ParseLowLevel(*req.ReturnCause)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rc = &parsed
	}
	snap := a.stack.CCB.Update(func(s *ccb.Snapshot) {
		if req.MtCallInRoaming != nil {
			s.MtCallInRoaming = *req.MtCallInRoaming
		}
		if rc != nil {
			s.ReturnCause = *rc
		}
		if req.ModemID != nil {
			s.ModemID = protocol.ModemID(*req.ModemID)
		}
	})
	c.JSON(http.StatusOK, snap)
}

func (a *Server) updateCasm(c *gin.Context) {
	if a.stack.CASM == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": stack.ErrTaskNotHosted.Error()})
		return
	}
	var resp casm.Response
	if err := c.ShouldBindJSON(&resp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.stack.CASM.SetResponse(resp)
	c.JSON(http.StatusOK, resp)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
