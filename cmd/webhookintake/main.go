package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batchsender/internal/config"
	"batchsender/internal/observability"
	"batchsender/internal/queue"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// webhookintake is the thin HTTP edge for inbound provider callbacks (spec
// §4.10 "Intake"): it validates the signature, then republishes the raw
// body onto webhook.<provider>.<eventType> for the worker's Pipeline to
// dedup/enrich/apply. It does no store access of its own.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	ctx := context.Background()
	q, err := queue.Connect(queue.Config{
		URL:        cfg.NATSCluster,
		TLSEnabled: cfg.NATSTLSEnabled,
		Replicas:   cfg.NATSReplicas,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to message queue", zap.Error(err))
	}
	defer q.Close()

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("fiber error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		},
	})

	app.Post("/webhooks/:provider/:eventType", func(c *fiber.Ctx) error {
		provider := c.Params("provider")
		eventType := c.Params("eventType")
		body := c.Body()

		if !validSignature(body, c.Get("X-Webhook-Signature"), cfg.WebhookSecret) {
			logger.Warn("webhook signature mismatch", zap.String("provider", provider))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
		}

		subject := fmt.Sprintf(queue.SubjectWebhookFmt, provider, eventType)
		msgID := "webhook-" + uuid.NewString()

		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if _, err := q.Publish(reqCtx, subject, body, queue.PublishOptions{MsgID: msgID}); err != nil {
			logger.Error("failed to republish webhook event", zap.String("subject", subject), zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "enqueue failed"})
		}

		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	go func() {
		if err := app.Listen(":8081"); err != nil {
			logger.Fatal("webhook intake server failed", zap.Error(err))
		}
	}()

	logger.Info("webhook intake listening", zap.String("addr", ":8081"))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("webhook intake shutdown failed", zap.Error(err))
	}
}

func validSignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
