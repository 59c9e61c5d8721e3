package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/ValentinKolb/rKV/lib/db/engines/offheap"
	"github.com/ValentinKolb/rKV/lib/replication"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	log = logger.GetLogger("cli")

	serveCmdConfig *common.NodeConfig
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Run a replica",
		Long: `Open (or create) the map file and replicate it with the configured peers.
Other processes can attach to the same file with "rkv kv", their writes are
replicated as well. The configuration can be set via command line flags or
environment variables. The format of the environment variables is RKV_<flag>
(e.g. RKV_REPLICA_ID=2).`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupMapFlags(ServeCmd)
	cmdUtil.SetupReplicationFlags(ServeCmd)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := cmdUtil.GetNodeConfig()
	if err != nil {
		return err
	}
	serveCmdConfig = conf
	return common.InitLoggers(conf.LogLevel)
}

// run serves the replica until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	conf := serveCmdConfig
	fmt.Println(conf.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := offheap.NewOffHeapDB(conf.Map, offheap.WithChangeFeed())
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Sync(); err != nil {
			log.Errorf("sync map: %v", err)
		}
		if err := database.Close(); err != nil {
			log.Errorf("close map: %v", err)
		}
	}()

	engine, err := replication.New(database, conf.Replication)
	if err != nil {
		return err
	}
	if conf.Replication.ListenAddr != "" {
		addr, err := engine.Listen()
		if err != nil {
			return err
		}
		log.Infof("replication listening on %s", addr)
	}
	sets := []*metrics.Set{engine.Metrics()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })

	if conf.HousekeepingInterval > 0 {
		set := metrics.NewSet()
		sets = append(sets, set)
		hk := offheap.NewHousekeeper(database, engine.MinAcknowledged, conf.HousekeepingInterval, conf.TombstoneGrace, set)
		g.Go(func() error { return hk.Run(ctx) })
	}

	if conf.MetricsEndpoint != "" {
		srv := metricsServer(conf.MetricsEndpoint, sets)
		g.Go(func() error {
			log.Infof("serving metrics on http://%s/metrics", conf.MetricsEndpoint)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Infof("replica %d stopped", conf.Map.ReplicaID)
	return err
}

// metricsServer exposes the process metrics followed by the given sets
func metricsServer(addr string, sets []*metrics.Set) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
		for _, set := range sets {
			set.WritePrometheus(w)
		}
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
