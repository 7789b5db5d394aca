package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/choraleia/tutorchat/pkg/db"
	"github.com/choraleia/tutorchat/pkg/models"
	"github.com/choraleia/tutorchat/pkg/service"
	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question and print the answer",
	Long: `Ask sends one question with the default model and prints the answer.
The question and answer are stored like any other conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored data",
}

var exportFeedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Export all ratings as json or csv",
	RunE:  runExportFeedback,
}

func init() {
	askCmd.Flags().Bool("no-stream", false, "wait for the whole answer instead of streaming it")
	askCmd.Flags().String("subject", "", "subject for the tutoring instruction")
	askCmd.Flags().String("difficulty", "", "difficulty level for the tutoring instruction")

	exportFeedbackCmd.Flags().StringP("format", "f", "json", "json or csv")
	exportFeedbackCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")

	exportCmd.AddCommand(exportFeedbackCmd)
	rootCmd.AddCommand(askCmd, migrateCmd, exportCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.chat.StartSession(ctx, "")
	if err != nil {
		return err
	}
	defer a.chat.EndSession(sess.ID)

	applyAskFlags(cmd, a, sess)

	out := cmd.OutOrStdout()
	var onToken func(string)
	if noStream, _ := cmd.Flags().GetBool("no-stream"); !noStream {
		onToken = func(s string) { fmt.Fprint(out, s) }
	}

	res, err := a.chat.Send(ctx, sess, strings.Join(args, " "), onToken)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
	switch {
	case res.Error != "":
		return fmt.Errorf("%s", res.Error)
	case onToken == nil && res.Assistant != nil:
		fmt.Fprintln(out, res.Assistant.Content)
	default:
		fmt.Fprintln(out)
	}
	if res.Aborted {
		return fmt.Errorf("aborted")
	}
	return nil
}

func applyAskFlags(cmd *cobra.Command, a *app, sess *service.Session) {
	var req models.UpdateSettingsRequest
	if cmd.Flags().Changed("subject") {
		v, _ := cmd.Flags().GetString("subject")
		req.Subject = &v
	}
	if cmd.Flags().Changed("difficulty") {
		v, _ := cmd.Flags().GetString("difficulty")
		req.Difficulty = &v
	}
	a.chat.UpdateSettings(sess, req)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gdb, _, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	version, err := db.UserVersion(ctx, gdb)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", cfg.DBPath(), version)
	return nil
}

func runExportFeedback(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gdb, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	format, _ := cmd.Flags().GetString("format")
	var data []byte
	switch strings.ToLower(format) {
	case "json":
		data, err = store.ExportFeedbackJSON(ctx)
	case "csv":
		data, err = store.ExportFeedbackCSV(ctx)
	default:
		return fmt.Errorf("unknown format %q (want json or csv)", format)
	}
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("output"); path != "" {
		return os.WriteFile(path, data, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
