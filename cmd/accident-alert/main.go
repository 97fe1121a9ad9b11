package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accident-alert/internal/config"
	"accident-alert/internal/database"
	"accident-alert/internal/directory"
	"accident-alert/internal/logger"
	"accident-alert/internal/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const serviceName = "accident-alert"

func main() {
	importContacts := flag.String("import-contacts", "", "import emergency contacts from an .xlsx file and exit")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	if *importContacts != "" {
		if err := runImport(cfg, *importContacts, zapLogger); err != nil {
			zapLogger.Fatal("Contact import failed", zap.Error(err))
		}
		return
	}

	zapLogger.Info("Starting accident-alert service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("topic_root", cfg.MQTT.TopicRoot),
		zap.Bool("db_enabled", cfg.DBEnabled),
	)

	// 创建服务
	crashService, err := service.NewCrashService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create crash service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := crashService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start crash service", zap.Error(err))
	}

	metricsServer := startMetrics(cfg.Metrics.Addr, zapLogger)

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("Error stopping metrics server", zap.Error(err))
		}
	}
	cancel()
	if err := crashService.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}

// startMetrics 暴露 /metrics（地址为空时不启动）
func startMetrics(addr string, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	return srv
}

// runImport 从 Excel 导入联系人到数据库
func runImport(cfg *config.Config, path string, logger *zap.Logger) error {
	result, err := directory.ImportContactsXLSX(path)
	if err != nil {
		return err
	}
	for _, issue := range result.Skipped {
		logger.Warn("Skipped contact row",
			zap.Int("row", issue.Row),
			zap.String("reason", issue.Reason),
		)
	}

	if !cfg.DBEnabled {
		logger.Info("Contacts file parsed, database disabled so nothing was stored",
			zap.Int("contacts", len(result.Contacts)),
			zap.Int("skipped", len(result.Skipped)),
		)
		return nil
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)

	ctx := context.Background()
	if err := database.EnsureSchema(ctx, db); err != nil {
		return err
	}

	repo := directory.NewContactRepository(db, logger)
	stored := 0
	for _, c := range result.Contacts {
		if err := repo.UpsertContact(ctx, c); err != nil {
			logger.Error("Failed to store contact",
				zap.String("phone_number", c.PhoneNumber),
				zap.Error(err),
			)
			continue
		}
		stored++
	}

	logger.Info("Contacts imported",
		zap.Int("stored", stored),
		zap.Int("skipped", len(result.Skipped)),
	)
	return nil
}
