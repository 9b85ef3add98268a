package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leadscore/leadscore/internal/aggregate"
	"github.com/leadscore/leadscore/internal/config"
	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/model"
	"github.com/leadscore/leadscore/internal/outreach"
	"github.com/leadscore/leadscore/internal/pipeline"
	"github.com/leadscore/leadscore/internal/scoring"
	"github.com/leadscore/leadscore/internal/scrape"
	"github.com/leadscore/leadscore/internal/storage"
	"github.com/leadscore/leadscore/internal/training"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// --- score ---

var scoreCmd = &cobra.Command{
	Use:   "score <url>",
	Short: "Score one company",
	Long: `Fetch a company website (or read a saved page with --file), score it and
store the result under the company's domain.

Examples:
  leadscore score https://acme.io
  leadscore score https://acme.io --file ./acme-brochure.pdf --name "Acme"
  leadscore score acme.io --tech react,aws --compose`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		tech, _ := cmd.Flags().GetString("tech")
		name, _ := cmd.Flags().GetString("name")
		compose, _ := cmd.Flags().GetBool("compose")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		url, err := scrape.NormalizeURL(args[0])
		if err != nil {
			return err
		}

		var raw lead.RawCompanyContent
		if file != "" {
			raw, err = scrape.LoadFile(file, url)
		} else {
			printStep("Fetching %s", url)
			raw, err = a.fetcher.Fetch(ctx, url)
		}
		if err != nil {
			return err
		}
		raw.Technologies = append(raw.Technologies, splitList(tech)...)
		if name != "" {
			raw.CompanyName = name
		}

		out := a.pipeline.Process(ctx, raw)
		if out.Status == pipeline.StatusFailed {
			return out.Err
		}
		for _, w := range out.Warnings {
			printWarning("%v", w)
		}

		l := *out.Lead
		if compose {
			if l, err = pipeline.ComposeForLead(ctx, a.store, a.composer, l.Key); err != nil {
				return err
			}
		}

		if asJSON {
			return writeJSON(cmd.OutOrStdout(), l)
		}
		writeLead(cmd.OutOrStdout(), l)
		return nil
	},
}

func init() {
	scoreCmd.Flags().String("file", "", "score a saved HTML, text or PDF file instead of fetching")
	scoreCmd.Flags().String("tech", "", "comma-separated technology tokens to add")
	scoreCmd.Flags().String("name", "", "company name, overriding the one found on the page")
	scoreCmd.Flags().Bool("compose", false, "also draft an outreach message")
	scoreCmd.Flags().Bool("json", false, "print the lead as JSON")
}

// --- batch ---

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Score many companies concurrently",
	Long: `Score every URL in a file, one per line. Blank lines and lines starting
with # are skipped. Use --input - to read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		workers, _ := cmd.Flags().GetInt("workers")
		asJSON, _ := cmd.Flags().GetBool("json")
		if input == "" {
			return errors.New("--input is required")
		}

		urls, err := readURLs(input, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			return fmt.Errorf("no URLs in %s", input)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if workers > 0 {
			cfg.Pipeline.Workers = workers
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Scoring %d companies with %d workers", len(urls), cfg.Pipeline.Workers)
		outcomes := a.pipeline.RunURLs(cmd.Context(), urls)

		if asJSON {
			if err := writeJSON(cmd.OutOrStdout(), outcomes); err != nil {
				return err
			}
		}
		var summary map[pipeline.Status]int
		if asJSON {
			summary = pipeline.Summary(outcomes)
		} else {
			summary = writeOutcomes(cmd.OutOrStdout(), outcomes)
		}

		printStatus("Succeeded", "%d", summary[pipeline.StatusSucceeded])
		printStatus("Degraded", "%d", summary[pipeline.StatusDegraded])
		printStatus("Failed", "%d", summary[pipeline.StatusFailed])
		if summary[pipeline.StatusFailed] == len(outcomes) {
			return errors.New("every company failed")
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().String("input", "", "file with one URL per line, or - for stdin")
	batchCmd.Flags().Int("workers", 0, "concurrent companies (default from pipeline.workers)")
	batchCmd.Flags().Bool("json", false, "print outcomes as JSON")
}

func readURLs(path string, stdin io.Reader) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := scrape.NormalizeURL(line)
		if err != nil {
			printWarning("skipping %q: %v", line, err)
			continue
		}
		urls = append(urls, u)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return urls, nil
}

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train and save a scoring model",
	Long: `Train a random forest on labeled companies and save it as a new model
version. The model is only saved when its validation F1 reaches --min-f1.

Examples:
  leadscore train --data leads.csv
  leadscore train --synthetic 2000 --trees 100 --version v-demo`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataPath, _ := cmd.Flags().GetString("data")
		synthetic, _ := cmd.Flags().GetInt("synthetic")
		exportPath, _ := cmd.Flags().GetString("export-synthetic")

		var tc training.Config
		tc.Trees, _ = cmd.Flags().GetInt("trees")
		tc.MaxDepth, _ = cmd.Flags().GetInt("depth")
		tc.MinSamplesLeaf, _ = cmd.Flags().GetInt("min-leaf")
		tc.Seed, _ = cmd.Flags().GetUint64("seed")
		tc.Version, _ = cmd.Flags().GetString("version")
		tc.ValidationFraction, _ = cmd.Flags().GetFloat64("validation")
		tc.MinF1, _ = cmd.Flags().GetFloat64("min-f1")

		if (dataPath == "") == (synthetic <= 0) {
			return errors.New("exactly one of --data or --synthetic is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		var data []training.Example
		if dataPath != "" {
			if data, err = training.ReadCSVFile(dataPath); err != nil {
				return err
			}
		} else {
			data = training.Synthetic(synthetic, tc.Seed)
			if exportPath != "" {
				if err := exportExamples(exportPath, data); err != nil {
					return err
				}
				printSuccess("Wrote %d synthetic examples to %s", len(data), exportPath)
			}
		}

		printStep("Training on %d examples", len(data))
		artifact, metrics, err := training.Train(cmd.Context(), data, tc)
		writeMetrics(metrics)
		if err != nil {
			return err
		}

		path, err := model.Save(cfg.Scoring.ModelsDir, artifact)
		if err != nil {
			return err
		}
		printSuccess("Saved model %s to %s", artifact.Version, path)
		return nil
	},
}

func init() {
	d := training.DefaultConfig()
	trainCmd.Flags().String("data", "", "CSV of labeled companies")
	trainCmd.Flags().Int("synthetic", 0, "train on N generated examples instead of --data")
	trainCmd.Flags().String("export-synthetic", "", "also write the generated examples to this CSV")
	trainCmd.Flags().Int("trees", d.Trees, "number of trees")
	trainCmd.Flags().Int("depth", d.MaxDepth, "maximum tree depth")
	trainCmd.Flags().Int("min-leaf", d.MinSamplesLeaf, "minimum examples per leaf")
	trainCmd.Flags().Uint64("seed", d.Seed, "random seed")
	trainCmd.Flags().String("version", "", "model version (default: timestamp)")
	trainCmd.Flags().Float64("validation", d.ValidationFraction, "fraction held out for validation")
	trainCmd.Flags().Float64("min-f1", d.MinF1, "minimum validation F1 to save the model")
}

func exportExamples(path string, data []training.Example) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := training.WriteCSV(f, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeMetrics(m model.Metrics) {
	printStatus("Train size", "%d", m.TrainSize)
	printStatus("Validation size", "%d", m.ValidationSize)
	printStatus("Accuracy", "%.3f", m.Accuracy)
	printStatus("Precision", "%.3f", m.Precision)
	printStatus("Recall", "%.3f", m.Recall)
	printStatus("F1", "%.3f", m.F1)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List trained models",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		all, skipped, err := model.Scan(cfg.Scoring.ModelsDir)
		if err != nil {
			return err
		}
		for _, sk := range skipped {
			printWarning("Unusable model file %s: %v", sk.File, sk.Err)
		}
		if len(all) == 0 {
			printWarning("No trained models in %s; scoring uses %s. Run `leadscore train` to create one.",
				cfg.Scoring.ModelsDir, scoring.BaselineVersion)
			return nil
		}

		active := cfg.Scoring.ModelVersion
		if active == "" || active == scoring.VersionLatest {
			active = all[0].Version
		}

		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "\tVERSION\tTRAINED\tTREES\tF1\tPRECISION\tRECALL\tACCURACY")
		for _, a := range all {
			mark := ""
			if a.Version == active {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.3f\t%.3f\t%.3f\t%.3f\n", mark, a.Version,
				a.TrainedAt.Local().Format("2006-01-02 15:04"), len(a.Trees),
				a.Metrics.F1, a.Metrics.Precision, a.Metrics.Recall, a.Metrics.Accuracy)
		}
		return tw.Flush()
	},
}

// --- leads ---

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Browse and manage stored leads",
}

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		opts, err := listOptions(cmd)
		if err != nil {
			return err
		}
		opts.Limit, _ = cmd.Flags().GetInt("limit")
		opts.Offset, _ = cmd.Flags().GetInt("offset")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		leads, err := a.store.ListLeads(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if asJSON {
			if leads == nil {
				leads = []lead.Lead{}
			}
			return writeJSON(cmd.OutOrStdout(), leads)
		}
		if len(leads) == 0 {
			printWarning("No leads found")
			return nil
		}

		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "KEY\tCOMPANY\tINDUSTRY\tSCORE\tMODEL\tOUTREACH\tUPDATED")
		for _, l := range leads {
			s, _ := l.LatestScore()
			state := "-"
			if l.Message != nil {
				state = string(l.Message.Status)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", l.Key, l.CompanyName, l.Industry(), formatScore(&l),
				s.ModelVersion, state, l.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var leadsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show a lead with its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		l, err := getLead(cmd, a, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), l)
		}
		writeLead(cmd.OutOrStdout(), l)
		return nil
	},
}

var leadsComposeCmd = &cobra.Command{
	Use:   "compose <key>",
	Short: "Draft an outreach message for a lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		l, err := pipeline.ComposeForLead(cmd.Context(), a.store, a.composer, args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no lead for %s; run `leadscore score %s` first", args[0], args[0])
		}
		if err != nil {
			return err
		}
		s, _ := l.LatestScore()
		printStatus("Tier", "%s", outreach.Tier(s.Score))
		writeMessage(cmd.OutOrStdout(), *l.Message)
		return nil
	},
}

var leadsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a lead and all of its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := aggregate.CanonicalKey(args[0])
		if err != nil {
			return err
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.DeleteLead(cmd.Context(), key); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no lead for %s", key)
			}
			return err
		}
		printSuccess("Deleted %s", key)
		return nil
	},
}

var leadsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export leads with their latest score to CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		opts, err := listOptions(cmd)
		if err != nil {
			return err
		}
		opts.Limit = -1

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		leads, err := a.store.ListLeads(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if output == "-" {
			return aggregate.WriteCSV(cmd.OutOrStdout(), leads)
		}
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", output, err)
		}
		if err := aggregate.WriteCSV(f, leads); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		printSuccess("Exported %d leads to %s", len(leads), output)
		return nil
	},
}

var leadsMarkCmd = &cobra.Command{
	Use:   "mark <key> <scheduled|sent|replied>",
	Short: "Record the delivery state of a lead's latest outreach message",
	Example: `  leadscore leads mark acme.io scheduled --send-at 2026-11-02T09:00:00Z
  leadscore leads mark acme.io sent
  leadscore leads mark acme.io replied`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := lead.ParseMessageStatus(args[1])
		if err != nil {
			return err
		}
		var sendAt time.Time
		if v, _ := cmd.Flags().GetString("send-at"); v != "" {
			if sendAt, err = time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("--send-at must be RFC 3339, e.g. 2026-11-02T09:00:00Z: %w", err)
			}
		}
		if status == lead.MessageScheduled && sendAt.IsZero() {
			return errors.New("scheduling needs --send-at")
		}
		key, err := aggregate.CanonicalKey(args[0])
		if err != nil {
			return err
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.store.SetMessageStatus(cmd.Context(), key, status, sendAt, time.Now())
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no lead for %s", key)
		}
		if err != nil {
			return err
		}
		if m.Status == lead.MessageScheduled {
			printSuccess("%s: message scheduled for %s", key, m.ScheduledFor.Local().Format("2006-01-02 15:04"))
			return nil
		}
		printSuccess("%s: message %s", key, m.Status)
		return nil
	},
}

var leadsOutreachCmd = &cobra.Command{
	Use:   "outreach",
	Short: "Summarise outreach message states and the reply rate",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.store.OutreachCounts(cmd.Context())
		if err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "STATUS\tLEADS")
		for _, st := range []lead.MessageStatus{lead.MessagePending, lead.MessageScheduled, lead.MessageSent, lead.MessageReplied} {
			fmt.Fprintf(tw, "%s\t%d\n", st, counts[st])
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if delivered := counts[lead.MessageSent] + counts[lead.MessageReplied]; delivered > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "reply rate: %.1f%%\n", 100*float64(counts[lead.MessageReplied])/float64(delivered))
		}
		return nil
	},
}

// addFilterFlags registers the lead filters shared by list and export.
func addFilterFlags(c *cobra.Command) {
	c.Flags().Float64("min-score", 0, "only leads whose latest score is at least this")
	c.Flags().String("sort", "recent", "order by score or recent")
	c.Flags().String("industry", "", "only leads whose latest analysis names this industry (substring)")
	c.Flags().String("tech", "", "comma-separated technologies the lead must all use")
	c.Flags().String("outreach", "", "only leads whose latest message is pending, scheduled, sent or replied")
}

func listOptions(cmd *cobra.Command) (storage.ListOptions, error) {
	var opts storage.ListOptions
	opts.MinScore, _ = cmd.Flags().GetFloat64("min-score")
	opts.Industry, _ = cmd.Flags().GetString("industry")
	tech, _ := cmd.Flags().GetString("tech")
	opts.Technologies = splitList(tech)

	switch sort, _ := cmd.Flags().GetString("sort"); sort {
	case "recent":
	case "score":
		opts.ByScore = true
	default:
		return opts, fmt.Errorf("unknown --sort %q (want score or recent)", sort)
	}
	if v, _ := cmd.Flags().GetString("outreach"); v != "" {
		st, err := lead.ParseMessageStatus(v)
		if err != nil {
			return opts, fmt.Errorf("--outreach: %w", err)
		}
		opts.MessageStatus = st
	}
	return opts, nil
}

func getLead(cmd *cobra.Command, a *app, urlOrKey string) (lead.Lead, error) {
	key, err := aggregate.CanonicalKey(urlOrKey)
	if err != nil {
		return lead.Lead{}, err
	}
	l, err := a.store.GetLeadByKey(cmd.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		return lead.Lead{}, fmt.Errorf("no lead for %s", key)
	}
	return l, err
}

func init() {
	leadsListCmd.Flags().Int("limit", 20, "maximum leads to show")
	leadsListCmd.Flags().Int("offset", 0, "leads to skip")
	leadsListCmd.Flags().Bool("json", false, "print as JSON")
	addFilterFlags(leadsListCmd)
	leadsExportCmd.Flags().String("output", "leads_export.csv", "CSV file to write, or - for stdout")
	addFilterFlags(leadsExportCmd)
	leadsMarkCmd.Flags().String("send-at", "", "send time for scheduled messages (RFC 3339)")
	leadsShowCmd.Flags().Bool("json", false, "print as JSON")
	leadsCmd.AddCommand(leadsListCmd, leadsShowCmd, leadsComposeCmd, leadsDeleteCmd,
		leadsExportCmd, leadsMarkCmd, leadsOutreachCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs <id>",
	Short: "Show an async scoring job on the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var job map[string]any
		if err := client.getJSON(cmd.Context(), "/jobs/"+url.PathEscape(args[0]), &job); err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), job)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
