package cmd

import (
	"net/http"

	_ "github.com/go-sql-driver/mysql"
	"github.com/imagegate/webhook/config"
	"github.com/imagegate/webhook/registry"
	"github.com/imagegate/webhook/store"
	"github.com/imagegate/webhook/store/gorm"
	"github.com/imagegate/webhook/web"
	"github.com/imagegate/webhook/webhook"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serverConfigPath        string
	serverDBConnection      string
	serverHTTPAddress       string
	serverLogLevel          string
	serverMigrationsEnabled bool
	serverMigrationsPath    string
	serverTLSCert           string
	serverTLSKey            string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serves the admission webhook",
	Run: func(cmd *cobra.Command, args []string) {
		mustInitLogging(serverLogLevel)
		cfg, err := config.Load(serverConfigPath)
		if err != nil {
			log.Fatal(err)
		}

		var s store.Store
		if serverDBConnection != "" {
			if serverMigrationsEnabled {
				log.Info("executing migrations")
				err := gorm.Migrate(serverDBConnection, serverMigrationsPath)
				if err != nil {
					log.Fatalf("error executing migrations: %s", err)
				}
				log.Info("migrations executed")
			}

			gs, err := gorm.New(serverDBConnection)
			if err != nil {
				log.Fatalf("unable to connect to database: %s", err)
			}

			defer gs.Close()
			s = gs
		}

		client := registry.New(registry.Options{
			Timeout:        cfg.RequestTimeout,
			ProbeTimeout:   cfg.ProbeTimeout,
			TargetRegistry: cfg.TargetRegistry,
			Insecure:       cfg.InsecureRegistries,
			Credentials:    cfg.CredentialResolver(),
		})
		engine := webhook.NewEngine(client, webhook.Options{
			TargetRegistry: cfg.TargetRegistry,
			CloneWorkers:   cfg.CloneWorkers,
		})
		defer engine.Close()

		handler := web.Init(engine, s)
		if serverTLSCert != "" && serverTLSKey != "" {
			log.Fatal(http.ListenAndServeTLS(serverHTTPAddress, serverTLSCert, serverTLSKey, handler))
		}

		log.Warn("serving without TLS")
		log.Fatal(http.ListenAndServe(serverHTTPAddress, handler))
	},
}

func init() {
	serverCmd.Flags().StringVar(&serverConfigPath, "config", "", "path to the configuration file")
	serverCmd.Flags().StringVar(&serverDBConnection, "db.connection", "", "connection string of the admission audit database, empty disables auditing")
	serverCmd.Flags().StringVar(&serverHTTPAddress, "http.address", ":8443", "ip:port combination to bind to")
	serverCmd.Flags().StringVar(&serverLogLevel, "log.level", "warn", "set the log level")
	serverCmd.Flags().BoolVar(&serverMigrationsEnabled, "migrations.enabled", false, "execute migrations on startup")
	serverCmd.Flags().StringVar(&serverMigrationsPath, "migrations.path", "file:///migrations", "path to directory containing migration files")
	serverCmd.Flags().StringVar(&serverTLSCert, "tls.cert", "", "path to the TLS certificate")
	serverCmd.Flags().StringVar(&serverTLSKey, "tls.key", "", "path to the TLS private key")
	rootCmd.AddCommand(serverCmd)
}
