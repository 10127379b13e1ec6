package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"quote-check/config"
	"quote-check/models"
	"quote-check/pdftext"
	"quote-check/providers/arxiv"
	"quote-check/providers/semanticscholar"
	"quote-check/providers/unpaywall"
	"quote-check/services"
	"quote-check/storage"
	"quote-check/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	st := store.New(db)
	logging.Info("Running database auto-migration...")
	if err := st.Migrate(); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	s3Client, err := storage.NewClient(cfg)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}

	extractor := pdftext.NewExtractor()
	resolver := services.NewResolver(cfg, s3Client, extractor,
		arxiv.NewFetcher(cfg, logging),
		unpaywall.NewFetcher(cfg, logging),
		semanticscholar.NewFetcher(cfg, logging),
		logging)
	validator := services.NewValidator(cfg, logging)
	pipeline := services.NewPipeline(cfg, st, s3Client, extractor,
		services.NewQuoteExtractor(logging),
		services.NewReferenceParser(logging),
		resolver, validator, logging)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupAnalysisRoutes(router, cfg, st, s3Client, pipeline, logging)

	// Periodic sweep keeping the per-status gauge fresh.
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		counts, err := st.StatusCounts()
		if err != nil {
			logging.Error("Status sweep failed", zap.Error(err))
			return
		}
		services.RecordStatusCounts(counts)
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func setupAnalysisRoutes(router *gin.Engine, cfg *config.Config, st *store.Store,
	s3Client *storage.Client, pipeline *services.Pipeline, log *zap.Logger) {
	rg := router.Group("/analyses")

	// POST - Submit a paper and start the analysis
	rg.POST("/", func(c *gin.Context) {
		data, ok := readUpload(c, cfg, log)
		if !ok {
			return
		}
		manualMode := c.PostForm("manual_mode") == "true"

		analysis := &models.Analysis{Status: models.StatusPending, ManualMode: manualMode}
		if err := st.CreateAnalysis(analysis); err != nil {
			log.Error("Failed to create analysis", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		paper := &models.Paper{
			AnalysisID: analysis.ID,
			Title:      c.PostForm("title"),
			Source:     models.SourceUploaded,
		}
		if err := st.CreatePaper(paper); err != nil {
			log.Error("Failed to create paper", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		key := "analyses/" + strconv.FormatUint(uint64(analysis.ID), 10) + "/submission.pdf"
		publicURL, err := s3Client.Upload(c.Request.Context(), key, data)
		if err != nil {
			log.Error("S3 upload failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
			return
		}
		paper.StorageKey = key
		paper.PublicURL = publicURL
		if err := st.SavePaper(paper); err != nil {
			log.Error("Failed to save paper", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		analysis.UploadedPaperID = &paper.ID
		if err := st.SaveAnalysis(analysis); err != nil {
			log.Error("Failed to save analysis", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		go func() {
			if err := pipeline.Run(context.Background(), analysis.ID); err != nil {
				log.Error("Analysis run failed", zap.Uint("analysis_id", analysis.ID), zap.Error(err))
			}
		}()

		c.JSON(http.StatusAccepted, analysis)
	})

	// GET - Analysis status with papers and quote verdicts
	rg.GET("/:id", func(c *gin.Context) {
		analysis, ok := loadAnalysis(c, st, log)
		if !ok {
			return
		}
		papers, err := st.PapersByAnalysis(analysis.ID)
		if err != nil {
			log.Error("Failed to load papers", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		quotes, err := st.QuotesByAnalysis(analysis.ID)
		if err != nil {
			log.Error("Failed to load quotes", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"analysis": analysis, "papers": papers, "quotes": quotes})
	})

	// GET - References still waiting for a document
	rg.GET("/:id/missing-papers", func(c *gin.Context) {
		analysis, ok := loadAnalysis(c, st, log)
		if !ok {
			return
		}
		papers, err := st.MissingPapers(analysis.ID)
		if err != nil {
			log.Error("Failed to load missing papers", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, papers)
	})

	// POST - Supply a document for an unresolved reference
	rg.POST("/:id/papers", func(c *gin.Context) {
		analysis, ok := loadAnalysis(c, st, log)
		if !ok {
			return
		}
		if analysis.Status != models.StatusAwaitingUploads {
			c.JSON(http.StatusConflict, gin.H{"error": "analysis is not awaiting uploads"})
			return
		}
		marker := c.PostForm("reference_marker")
		if marker == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "'reference_marker' field is required"})
			return
		}
		data, ok := readUpload(c, cfg, log)
		if !ok {
			return
		}

		paper, err := pipeline.AttachDocument(c.Request.Context(), analysis.ID, marker, data)
		if err != nil {
			var extractionErr *pdftext.ExtractionError
			if errors.As(err, &extractionErr) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		remaining, err := st.MissingPapers(analysis.ID)
		if err != nil {
			log.Error("Failed to count missing papers", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"paper": paper, "missing_count": len(remaining)})
	})

	// POST - Resume a parked analysis
	rg.POST("/:id/continue", func(c *gin.Context) {
		analysis, ok := loadAnalysis(c, st, log)
		if !ok {
			return
		}
		if analysis.Status != models.StatusAwaitingUploads {
			c.JSON(http.StatusConflict, gin.H{"error": "analysis is not awaiting uploads"})
			return
		}

		go func() {
			if err := pipeline.Continue(context.Background(), analysis.ID); err != nil {
				log.Error("Analysis continuation failed", zap.Uint("analysis_id", analysis.ID), zap.Error(err))
			}
		}()

		c.JSON(http.StatusAccepted, gin.H{"message": "validation resumed"})
	})

	// GET - Quote verdicts
	rg.GET("/:id/quotes", func(c *gin.Context) {
		analysis, ok := loadAnalysis(c, st, log)
		if !ok {
			return
		}
		quotes, err := st.QuotesByAnalysis(analysis.ID)
		if err != nil {
			log.Error("Failed to load quotes", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, quotes)
	})
}

// loadAnalysis reads the :id parameter and fetches the analysis, answering
// the request itself on any failure.
func loadAnalysis(c *gin.Context, st *store.Store, log *zap.Logger) (*models.Analysis, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis id"})
		return nil, false
	}
	analysis, err := st.GetAnalysis(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
			return nil, false
		}
		log.Error("Failed to load analysis", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return nil, false
	}
	return analysis, true
}

// readUpload reads the multipart "file" field, enforcing the size limit. It
// answers the request itself on any failure.
func readUpload(c *gin.Context, cfg *config.Config, log *zap.Logger) ([]byte, bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'file' field is required"})
		return nil, false
	}
	if fileHeader.Size > cfg.MaxUploadSizeMB<<20 {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds upload limit"})
		return nil, false
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Error("Failed to open uploaded file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload error"})
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		log.Error("Failed to read uploaded file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload error"})
		return nil, false
	}
	return data, true
}
