package commands

import (
	"context"
	"log/slog"
	"os"
	"time"

	"cptracker/lib/tracker"
	"cptracker/lib/util/serviceutil"
	"cptracker/services/roster"
	trackersvc "cptracker/services/tracker"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(multiScrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape <platform>",
	Short: "Scrapes one platform across the whole roster and stores the ratings.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := readConfig()

		db := openDB(cfg)
		defer db.Close()
		store := roster.NewStore(db)

		clients := buildClients(cfg, db, args)
		defer closeClients(clients)

		participants := loadRoster(ctx, store)
		service := trackersvc.NewService(trackersvc.Options{Store: store})

		t1 := time.Now()
		count, err := service.ScrapePlatform(ctx, clients[0], participants)
		if err != nil {
			serviceutil.Fatal("scrape failed", err)
		}
		slog.Info("scrape finished",
			"platform", clients[0].Platform(),
			"updated", count,
			"seconds", time.Since(t1).Seconds())

		printSummary(store, []tracker.Platform{clients[0].Platform()},
			map[tracker.Platform]int{clients[0].Platform(): count})
	},
}

var multiScrapeCmd = &cobra.Command{
	Use:   "multi-scrape [platform...]",
	Short: "Scrapes several platforms concurrently, one worker per platform.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := readConfig()

		db := openDB(cfg)
		defer db.Close()
		store := roster.NewStore(db)

		clients := buildClients(cfg, db, args)
		defer closeClients(clients)

		participants := loadRoster(ctx, store)
		service := trackersvc.NewService(trackersvc.Options{Store: store})

		t1 := time.Now()
		updated := service.ScrapeAll(ctx, clients, participants)
		slog.Info("multi-scrape finished", "seconds", time.Since(t1).Seconds())

		scraped := make([]tracker.Platform, 0, len(clients))
		for _, client := range clients {
			scraped = append(scraped, client.Platform())
		}
		printSummary(store, scraped, updated)
	},
}

func printSummary(store roster.Store, scraped []tracker.Platform, updated map[tracker.Platform]int) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Platform", "Updated", "Max Rating"})
	for _, platform := range scraped {
		count, ok := updated[platform]
		if !ok {
			t.AppendRow(table.Row{platform, "failed", "-"})
			continue
		}
		max, err := store.MaxRating(context.Background(), platform, "", "")
		if err != nil {
			slog.Warn("failed to compute max rating", "platform", platform, "err", err)
		}
		t.AppendRow(table.Row{platform, count, max})
	}
	t.Render()
}
