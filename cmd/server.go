package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/terabiome/stagehand/internal/api"
	"github.com/terabiome/stagehand/internal/config"
	"github.com/terabiome/stagehand/internal/contracts"
	"github.com/terabiome/stagehand/internal/handler"
	"github.com/terabiome/stagehand/internal/installer"
	"github.com/terabiome/stagehand/internal/membership"
	"github.com/terabiome/stagehand/internal/provisioner"
	"github.com/terabiome/stagehand/internal/routes"
	"github.com/terabiome/stagehand/internal/service"
	"github.com/terabiome/stagehand/internal/uploads"
)

const agentProbeInterval = 2 * time.Second

func newDeployment(cfg *config.Config, log *slog.Logger) *service.Deployment {
	var agents contracts.ClusterMembership
	if cfg.AgentPort > 0 {
		agents = membership.NewPortProbe(cfg.AgentPort, agentProbeInterval, log)
	}
	return service.NewDeployment(installer.New(log), agents, log)
}

func runServer(ctx context.Context, cfg *config.Config, log *slog.Logger, address string) error {
	log.Info("initializing HTTP server", slog.String("address", address))

	repo, err := uploads.Open(cfg.UploadBaseDir, cfg.UploadCleanupTimeout, log)
	if err != nil {
		return fmt.Errorf("failed to open upload staging: %w", err)
	}
	defer repo.Close()

	provisionHandler := handler.NewProvision(newDeployment(cfg, log), repo, cfg.DefaultTimeout, log)
	uploadsHandler := handler.NewUploads(repo, log)
	systemHandler := handler.NewSystem(provisioner.Names, log)

	router := routes.SetupMux(provisionHandler, uploadsHandler, systemHandler)

	// Provision requests block for the whole run, so there is no write
	// timeout. The run deadline bounds them instead.
	server := &http.Server{
		Addr:        address,
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", slog.String("address", address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrChan:
		return err
	case <-ctx.Done():
		log.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		log.Info("HTTP server stopped")
		return nil
	}
}

// uploadFile posts path to a running server and returns the upload key.
func uploadFile(ctx context.Context, serverURL, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	url := strings.TrimSuffix(serverURL, "/") + "/api/v1/uploads"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Body    api.UploadResponse `json:"body"`
		Message string             `json:"message"`
		Error   string             `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("unable to decode upload response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload rejected (%s): %s: %s", resp.Status, result.Message, result.Error)
	}
	return result.Body.Key, nil
}
