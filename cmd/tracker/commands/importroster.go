package commands

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cptracker/lib/tracker"
	"cptracker/lib/util/serviceutil"
	"cptracker/services/roster"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import <roster.csv>",
	Short: "Imports a participant roster, replacing identity fields but keeping scraped ratings.",
	Long: `Imports a participant roster from a csv file with a header row.
Recognized columns: id, name, batch, college, plus one column per
platform (codechef, codeforces, geeksforgeeks, hackerrank, leetcode)
holding that participant's handle.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := readConfig()

		participants, err := readRosterCsv(args[0])
		if err != nil {
			serviceutil.Fatal("failed to read roster csv", err)
		}

		db := openDB(cfg)
		defer db.Close()

		err = roster.NewStore(db).SaveParticipants(ctx, participants)
		if err != nil {
			serviceutil.Fatal("failed to save roster", err)
		}
		slog.Info("roster imported", "participants", len(participants))
	},
}

func readRosterCsv(path string) ([]tracker.Participant, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	columns := map[string]int{}
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idCol, ok := columns["id"]
	if !ok {
		return nil, fmt.Errorf("roster csv is missing an id column")
	}

	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var participants []tracker.Participant
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(record[idCol]) == "" {
			continue
		}

		participant := tracker.Participant{
			ID:      strings.TrimSpace(record[idCol]),
			Name:    field(record, "name"),
			Batch:   field(record, "batch"),
			College: field(record, "college"),
		}
		for _, platform := range tracker.AllPlatforms() {
			participant.SetStatus(platform, tracker.PlatformStatus{
				Handle: field(record, string(platform)),
			})
		}
		participants = append(participants, participant)
	}
	return participants, nil
}
