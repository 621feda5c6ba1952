package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/roomchat-api/internal/config"
	"github.com/noah-isme/roomchat-api/internal/tenant"
	"github.com/noah-isme/roomchat-api/internal/utils"
)

// PartitionLister reports the room partitions with an open store handle.
type PartitionLister interface {
	Partitions() []tenant.HandleInfo
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Service        string    `json:"service"`
	Environment    string    `json:"environment"`
	RelayBackend   string    `json:"relay_backend"`
	OpenPartitions int       `json:"open_partitions"`
}

// HealthCheck returns a handler that reports application health information.
// partitions may be nil when the chat service is not wired.
func HealthCheck(cfg config.Config, partitions PartitionLister) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:       "ok",
			Timestamp:    time.Now().UTC(),
			Service:      cfg.AppName,
			Environment:  cfg.AppEnv,
			RelayBackend: cfg.RelayBackend,
		}
		if partitions != nil {
			payload.OpenPartitions = len(partitions.Partitions())
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
