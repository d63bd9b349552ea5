package commands

import (
	"log/slog"
	"time"

	"cptracker/lib/platforms"
	"cptracker/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCacheCmd)
}

var initCacheCmd = &cobra.Command{
	Use:   "init-cache [platform...]",
	Short: "Warms the leaderboard caches ahead of a scrape run.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := readConfig()

		db := openDB(cfg)
		defer db.Close()

		clients := buildClients(cfg, db, args)
		defer closeClients(clients)

		for _, client := range clients {
			initializer, ok := client.(platforms.CacheInitializer)
			if !ok {
				continue
			}
			t1 := time.Now()
			err := initializer.InitializeCache(ctx)
			if err != nil {
				serviceutil.Fatal("failed to initialize cache", err)
			}
			slog.Info("cache initialized",
				"platform", client.Platform(),
				"seconds", time.Since(t1).Seconds())
		}
	},
}
