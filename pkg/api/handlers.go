package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/menagerie-sh/menagerie/pkg/models"
)

const defaultEventWindow = 100

type lifecycleAction string

const (
	actionStart   lifecycleAction = "start"
	actionStop    lifecycleAction = "stop"
	actionRestart lifecycleAction = "restart"
	actionRebuild lifecycleAction = "rebuild"
	actionWake    lifecycleAction = "wake"
)

func (s *Server) listCreatures(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"creatures": s.deps.Fleet.List()})
}

type spawnRequest struct {
	Name    string `json:"name" binding:"required"`
	Genome  string `json:"genome"`
	Purpose string `json:"purpose"`
	Model   string `json:"model"`
}

func (s *Server) spawnCreature(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid spawn request: "+err.Error())
		return
	}
	if err := s.deps.Fleet.Spawn(c.Request.Context(), req.Name, req.Genome, req.Purpose); err != nil {
		respondError(c, err)
		return
	}
	if req.Model != "" {
		if sup, ok := s.deps.Fleet.Get(req.Name); ok {
			sup.SetModel(req.Model)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

func (s *Server) lifecycle(action lifecycleAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		sup, ok := s.deps.Fleet.Get(c.Param("name"))
		if !ok {
			notFound(c)
			return
		}
		ctx := c.Request.Context()
		var err error
		switch action {
		case actionStart:
			err = sup.Start(ctx)
		case actionStop:
			err = sup.Stop(ctx)
		case actionRestart:
			err = sup.Restart(ctx)
		case actionRebuild:
			err = sup.Rebuild(ctx)
		case actionWake:
			err = sup.Wake(ctx)
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sup.Info())
	}
}

func (s *Server) archiveCreature(c *gin.Context) {
	if err := s.deps.Fleet.Archive(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": c.Param("name")})
}

func (s *Server) creatureEvents(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.deps.Fleet.Get(name); !ok && name != models.NarratorIdentity {
		notFound(c)
		return
	}
	limit := queryInt(c, "limit", defaultEventWindow)
	c.JSON(http.StatusOK, gin.H{"events": s.deps.Store.ReadRecent(name, limit)})
}

// inboundEvent receives one event record from a creature. Only the
// creature's own taxonomy is accepted here; host and budget events are
// minted by the orchestrator itself.
func (s *Server) inboundEvent(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.deps.Fleet.Get(name); !ok {
		notFound(c)
		return
	}

	var evt models.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		badRequest(c, "invalid event: "+err.Error())
		return
	}
	if evt.Type == "" || !strings.HasPrefix(evt.Type, "creature.") {
		badRequest(c, "event type must be in the creature.* taxonomy")
		return
	}

	s.deps.Fleet.HandleCreatureEvent(name, evt)
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (s *Server) evolveCreature(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.deps.Fleet.Get(name); !ok {
		notFound(c)
		return
	}
	go func() {
		if _, err := s.deps.Creator.Evaluate(context.Background(), name, "api request"); err != nil {
			s.logger.Warn("Evolve request failed", "creature", name, "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"evaluating": name})
}

type budgetPayload struct {
	DailyCapUSD   float64             `json:"daily_cap_usd"`
	DailySpentUSD float64             `json:"daily_spent_usd,omitempty"`
	Action        models.BudgetAction `json:"action"`
}

func (s *Server) getCreatureBudget(c *gin.Context) {
	name := c.Param("name")
	sup, ok := s.deps.Fleet.Get(name)
	if !ok {
		notFound(c)
		return
	}
	b := s.deps.Fleet.CreatureBudget(name)
	c.JSON(http.StatusOK, gin.H{
		"daily_cap_usd":   b.DailyCapUSD,
		"daily_spent_usd": s.deps.Cost.CreatureDailyCost(name),
		"action":          b.Action,
		"status":          sup.Info().Status,
	})
}

func (s *Server) putCreatureBudget(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.deps.Fleet.Get(name); !ok {
		notFound(c)
		return
	}
	var req budgetPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid budget: "+err.Error())
		return
	}
	if !models.ValidAction(req.Action) {
		badRequest(c, "action must be one of sleep, warn, off")
		return
	}
	s.deps.Fleet.SetCreatureBudget(name, models.Budget{DailyCapUSD: req.DailyCapUSD, Action: req.Action})
	c.JSON(http.StatusOK, s.deps.Fleet.CreatureBudget(name))
}

func (s *Server) getGlobalBudget(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Fleet.GlobalBudget())
}

func (s *Server) putGlobalBudget(c *gin.Context) {
	var req budgetPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid budget: "+err.Error())
		return
	}
	if !models.ValidAction(req.Action) {
		badRequest(c, "action must be one of sleep, warn, off")
		return
	}
	s.deps.Fleet.SetGlobalBudget(models.Budget{DailyCapUSD: req.DailyCapUSD, Action: req.Action})
	c.JSON(http.StatusOK, s.deps.Fleet.GlobalBudget())
}

func (s *Server) getUsage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"usage": s.deps.Cost.GetAll(),
		"total": s.deps.Cost.Total(),
	})
}

func (s *Server) getNarratorConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Narrator.Config())
}

func (s *Server) putNarratorConfig(c *gin.Context) {
	var cfg models.NarratorConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "invalid narrator config: "+err.Error())
		return
	}
	if cfg.IntervalMinutes <= 0 {
		badRequest(c, "interval_minutes must be positive")
		return
	}
	s.deps.Narrator.SetConfig(cfg)
	c.JSON(http.StatusOK, s.deps.Narrator.Config())
}

func (s *Server) getNarration(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	entries := s.deps.Narrator.Recent(limit)
	if entries == nil {
		entries = []models.NarrationEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       s.deps.Health.Status(),
		"dependencies": s.deps.Health.Snapshot(),
		"version":      s.deps.Version,
	})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
