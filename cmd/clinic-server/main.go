package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/norha/clinic/internal/config"
	"github.com/norha/clinic/internal/domain/appointment"
	"github.com/norha/clinic/internal/domain/billing"
	"github.com/norha/clinic/internal/domain/catalog"
	"github.com/norha/clinic/internal/domain/patient"
	"github.com/norha/clinic/internal/domain/pharmacy"
	"github.com/norha/clinic/internal/domain/staff"
	"github.com/norha/clinic/internal/domain/visit"
	"github.com/norha/clinic/internal/platform/auth"
	"github.com/norha/clinic/internal/platform/db"
	"github.com/norha/clinic/internal/platform/middleware"
	"github.com/norha/clinic/internal/platform/notification"
)

// visitDirectory adapts the visit service to billing's view of visits,
// avoiding a direct dependency between the two packages.
type visitDirectory struct {
	visits *visit.Service
}

func (a *visitDirectory) Get(ctx context.Context, id uuid.UUID) (*billing.VisitInfo, error) {
	v, err := a.visits.GetVisit(ctx, id)
	if err != nil {
		return nil, err
	}
	return &billing.VisitInfo{ID: v.ID, PatientID: v.PatientID, Status: v.Status}, nil
}

// Settlement can move a visit against the reception-facing transition graph
// (completed -> awaiting_payment when insurance pays a settled invoice), so
// billing gets the unguarded setter.
func (a *visitDirectory) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	return a.visits.SetVisitStatus(ctx, id, status)
}

// billingPatients resolves insurance coverage and contact details from
// patient records for the billing workflow.
type billingPatients struct {
	patients *patient.Service
}

func (a *billingPatients) CoveragePct(ctx context.Context, patientID uuid.UUID) (int, error) {
	p, err := a.patients.Get(ctx, patientID)
	if err != nil {
		return 0, err
	}
	if !p.IsInsured {
		return 0, nil
	}
	return p.CoveragePct, nil
}

func (a *billingPatients) Contact(ctx context.Context, patientID uuid.UUID) (string, string, error) {
	p, err := a.patients.Get(ctx, patientID)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName), p.Phone, nil
}

// visitLookup adapts the visit service for the pharmacy package.
type visitLookup struct {
	visits *visit.Service
}

func (a *visitLookup) Get(ctx context.Context, id uuid.UUID) (*pharmacy.VisitRef, error) {
	v, err := a.visits.GetVisit(ctx, id)
	if err != nil {
		return nil, err
	}
	return &pharmacy.VisitRef{ID: v.ID, PatientID: v.PatientID, DoctorID: v.DoctorID, Status: v.Status}, nil
}

// patientDirectory adapts the patient service for appointments.
type patientDirectory struct {
	patients *patient.Service
}

func (a *patientDirectory) Get(ctx context.Context, id uuid.UUID) (*appointment.PatientRef, error) {
	p, err := a.patients.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &appointment.PatientRef{
		ID:       p.ID,
		FullName: strings.TrimSpace(p.FirstName + " " + p.LastName),
		Phone:    p.Phone,
	}, nil
}

// departmentLookup resolves department names for appointment SMS messages.
type departmentLookup struct {
	visits *visit.Service
}

func (a *departmentLookup) DepartmentName(ctx context.Context, id uuid.UUID) (string, error) {
	d, err := a.visits.GetDepartment(ctx, id)
	if err != nil {
		return "", err
	}
	return d.Name, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Dental clinic management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importTariffsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func importTariffsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-tariffs <file.csv>",
		Short: "Import or update the tariff catalog from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			importer := catalog.NewImporter(catalog.NewRepoPG(pool), logger)
			res, err := importer.Import(ctx, f)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}

			fmt.Printf("Import complete: %d created, %d updated, %d skipped.\n", res.Created, res.Updated, res.Skipped)
			return nil
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("1M", "10M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.JWTIssuer,
		SigningKey: []byte(cfg.JWTSecret),
		TTL:        cfg.JWTTTL(),
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// Login is the only unauthenticated API route.
	public := e.Group("/api/v1")
	public.Use(middleware.RateLimit(rateLimitCfg))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	apiV1.Use(middleware.Audit(logger))

	// Notifications
	var smsSender notification.SMSSender
	if cfg.SMSGatewayURL != "" {
		smsSender = notification.NewGatewaySMSSender(cfg.SMSGatewayURL, cfg.SMSAPIKey)
	} else {
		smsSender = &notification.LogSender{Logger: logger}
	}
	notifyStore := notification.NewPGStore(pool)
	notifyMgr := notification.NewManager(smsSender, &notification.LogSender{Logger: logger}, notification.NewTemplateEngine(), notifyStore, logger)

	// Domain services
	patientSvc := patient.NewService(patient.NewRepoPG(pool), logger)
	catalogSvc := catalog.NewService(catalog.NewRepoPG(pool), logger)
	catalogImporter := catalog.NewImporter(catalog.NewRepoPG(pool), logger)
	visitSvc := visit.NewService(visit.NewRepoPG(pool), pool, logger)
	clinicPatients := &billingPatients{patients: patientSvc}
	billingSvc := billing.NewService(
		billing.NewRepoPG(pool),
		&visitDirectory{visits: visitSvc},
		clinicPatients,
		pool,
		logger,
	)
	billingSvc.EnableReceipts(clinicPatients, notifyMgr)
	pharmacySvc := pharmacy.NewService(pharmacy.NewRepoPG(pool), &visitLookup{visits: visitSvc}, pool, cfg.LowStockLevel, logger)
	appointmentSvc := appointment.NewService(
		appointment.NewRepoPG(pool),
		&patientDirectory{patients: patientSvc},
		&departmentLookup{visits: visitSvc},
		visitSvc,
		notifyMgr,
		pool,
		logger,
	)
	staffSvc := staff.NewService(staff.NewRepoPG(pool), jwtCfg, logger)

	// Routes
	staffHandler := staff.NewHandler(staffSvc)
	staffHandler.RegisterLogin(public)
	staffHandler.RegisterRoutes(apiV1)

	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	catalog.NewHandler(catalogSvc, catalogImporter).RegisterRoutes(apiV1)
	visit.NewHandler(visitSvc).RegisterRoutes(apiV1)
	billing.NewHandler(billingSvc, catalogSvc).RegisterRoutes(apiV1)
	pharmacy.NewHandler(pharmacySvc).RegisterRoutes(apiV1)
	appointment.NewHandler(appointmentSvc).RegisterRoutes(apiV1)
	notification.NewHandler(notifyMgr).RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.RoleReception)))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"clinic":  cfg.ClinicName,
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
