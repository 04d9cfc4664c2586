package handlers

import (
	"github.com/suPer8Hu/handoff/internal/config"
	"github.com/suPer8Hu/handoff/internal/handoff"
	"go.uber.org/zap"
)

type Handler struct {
	Cfg    config.Config
	Broker *handoff.Broker
	Logger *zap.Logger
}

func NewHandler(cfg config.Config, broker *handoff.Broker, logger *zap.Logger) *Handler {
	return &Handler{Cfg: cfg, Broker: broker, Logger: logger.With(zap.String("component", "http"))}
}
