package commands

import (
	"os"

	"cptracker/lib/util/serviceutil"
	"cptracker/services/roster"
	trackersvc "cptracker/services/tracker"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var verifySample *int

func init() {
	verifySample = verifyCmd.Flags().Int("sample", 10, "How many random participants to check.")
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify [platform...] [--sample <n>]",
	Short: "Spot-checks that a random sample of roster handles resolve on each platform.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := readConfig()

		db := openDB(cfg)
		defer db.Close()
		store := roster.NewStore(db)

		clients := buildClients(cfg, db, args)
		defer closeClients(clients)

		participants, err := store.GetRandom(ctx, *verifySample)
		if err != nil {
			serviceutil.Fatal("failed to sample roster", err)
		}
		if len(participants) == 0 {
			serviceutil.Fatal("roster is empty", errEmptyRoster)
		}

		service := trackersvc.NewService(trackersvc.Options{Store: store})
		results := service.VerifyRoster(ctx, clients, participants)

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Participant", "Platform", "Handle", "Ok"})
		for _, result := range results {
			t.AppendRow(table.Row{result.ParticipantID, result.Platform, result.Handle, result.Ok})
		}
		t.Render()
	},
}
