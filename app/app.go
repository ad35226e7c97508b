package wolfchat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/cors"

	"github.com/cyberwolf/wolfchat/core"
	"github.com/cyberwolf/wolfchat/pkg/router"
)

type App struct {
	config  *Config
	db      *core.SQLiteDB
	context context.Context
	server  *http.Server
	logger  *slog.Logger
	router  *router.Router

	exit chan int

	store core.Store
	blobs core.BlobStore
	tasks *core.TaskRunner
	auth  *core.Auth

	userHandler *UserHandler
	blobHandler *BlobHandler
	authHandler *AuthHandler

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

func New(ctx context.Context, config *Config) *App {
	var err error
	app := &App{
		exit: make(chan int),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	// drain websocket sessions before the stores they use are closed
	app.AddCleanupFunc(func(ctx context.Context) {
		done := make(chan struct{})
		go func() {
			app.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}
	app.db, err = core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate database: %v\n", err)
	}

	app.store = core.NewSQLiteStore(app.db.DB, app.logger)
	app.blobs = core.NewSQLiteBlobStore(app.db.DB, app.config.Blob.BaseURL)
	app.tasks = core.NewTaskRunner(app.logger, 0)
	app.AddCleanupFunc(func(ctx context.Context) {
		app.tasks.Close(ctx)
	})
	app.auth = core.NewAuth(app.store, app.blobs, app.tasks, app.logger, []byte(app.config.Auth.Secret),
		core.WithTokenTTL(app.config.Auth.TokenTTL))

	app.userHandler = NewUserHandler(app.store)
	app.blobHandler = NewBlobHandler(app.blobs)
	app.authHandler = NewAuthHandler(app.auth)
	authMiddleware := core.JWTMiddleware(app.auth)

	app.router = router.New(router.WithLogger(app.logger))
	registerErrorMappers(app.router)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.Route("/api", func(r *router.Router) {
		r.Get("/status", StatusHandler)
		r.Get("/validate-user/{username}", app.userHandler.ValidateUserHandler)
		r.Post("/hooks/firebase", FirebaseHookHandler)
		r.Get("/blobs/*", app.blobHandler.ServeBlobHandler)

		r.Route("/auth", func(r *router.Router) {
			r.Post("/register", app.authHandler.RegisterHandler)
			r.Post("/login", app.authHandler.LoginHandler)
			r.Post("/google", app.authHandler.GoogleSignInHandler)
			r.With(authMiddleware).Post("/logout", app.authHandler.LogoutHandler)
			r.With(authMiddleware).Post("/profile", app.authHandler.SetupProfileHandler)
			r.With(authMiddleware).Get("/me", app.authHandler.MeHandler)
			r.With(authMiddleware).Post("/avatar", app.authHandler.UploadAvatarHandler)
		})

		r.With(authMiddleware).Get("/ws", app.WSHandler)
	})

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router.Router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}

	return app
}

func registerErrorMappers(r *router.Router) {
	status := func(code int) router.ErrorMapper {
		return func(err error) router.Error {
			return router.NewHTTPError(code, err.Error())
		}
	}
	r.RegisterErrorMapper(core.ErrRoomNotFound, status(http.StatusNotFound))
	r.RegisterErrorMapper(core.ErrBlobNotFound, status(http.StatusNotFound))
	r.RegisterErrorMapper(core.ErrPrivateRoom, status(http.StatusForbidden))
	r.RegisterErrorMapper(core.ErrBadCredentials, status(http.StatusUnauthorized))
	r.RegisterErrorMapper(core.ErrUnauthenticated, status(http.StatusUnauthorized))
	r.RegisterErrorMapper(core.ErrFederatedSignIn, status(http.StatusUnauthorized))
	r.RegisterErrorMapper(core.ErrEmailInUse, status(http.StatusConflict))
	r.RegisterErrorMapper(core.ErrWeakPassword, status(http.StatusBadRequest))
	r.RegisterErrorMapper(core.ErrNoActiveRoom, status(http.StatusBadRequest))
}

func (app *App) Start() {
	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		var wg sync.WaitGroup

		for _, f := range app.cleanupFuncs {
			wg.Add(1)
			func(wg *sync.WaitGroup) {
				defer wg.Done()
				f(closeCtx)
			}(&wg)

		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
			app.exit <- 0
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			app.exit <- 1

		}

	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("app running on: %s:%d",
		app.config.Hostname, app.config.Port))

	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	} else {
		os.Exit(code)
	}

}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
