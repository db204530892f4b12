package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Napageneral/lorekeeper/internal/analysis"
	"github.com/Napageneral/lorekeeper/internal/bus"
	"github.com/Napageneral/lorekeeper/internal/config"
	"github.com/Napageneral/lorekeeper/internal/db"
	"github.com/Napageneral/lorekeeper/internal/gemini"
	"github.com/Napageneral/lorekeeper/internal/llm"
	"github.com/Napageneral/lorekeeper/internal/logger"
	"github.com/Napageneral/lorekeeper/internal/manuscript"
	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/story"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lorekeeper",
		Short: "Incremental story knowledge extraction",
		Long: `Lorekeeper reads a manuscript chapter by chapter and keeps a
deduplicated knowledge base of its characters, relationships, events,
plot threads, world details and themes. Only changed chapters are
re-analyzed.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{"version": version, "commit": commit, "date": buildDate})
				return
			}
			fmt.Printf("lorekeeper %s (%s, %s)\n", version, commit, buildDate)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the config file and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				ConfigDir string `json:"config_dir"`
				DataDir   string `json:"data_dir"`
				DBPath    string `json:"db_path"`
			}
			configDir, err := config.GetConfigDir()
			exitOn(err, "get config directory")
			dataDir, err := config.GetDataDir()
			exitOn(err, "get data directory")
			exitOn(os.MkdirAll(configDir, 0o755), "create config directory")
			exitOn(os.MkdirAll(dataDir, 0o755), "create data directory")
			exitOn(db.Init(), "initialize database")
			dbPath, err := db.GetPath()
			exitOn(err, "get database path")

			if _, err := os.Stat(filepath.Join(configDir, "config.yaml")); os.IsNotExist(err) {
				exitOn(config.Default().Save(), "write config")
			}

			res := Result{OK: true, ConfigDir: configDir, DataDir: dataDir, DBPath: dbPath}
			if jsonOutput {
				printJSON(res)
				return
			}
			fmt.Println("Lorekeeper initialized")
			fmt.Printf("  Config: %s\n", configDir)
			fmt.Printf("  Data:   %s\n", dataDir)
			fmt.Printf("  DB:     %s\n", dbPath)
		},
	})

	importCmd := &cobra.Command{
		Use:   "import <project> [dir]",
		Short: "Load chapter files from a manuscript directory",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			projectID := args[0]
			dir := a.projectDir(projectID, args)
			remember, _ := cmd.Flags().GetBool("remember")

			res, err := manuscript.Import(cmd.Context(), a.store, projectID, dir, a.log)
			exitOn(err, "import manuscript")
			if remember && len(args) == 2 {
				a.rememberProject(projectID, dir)
			}
			if jsonOutput {
				printJSON(res)
				return
			}
			fmt.Printf("Imported %s: %d added, %d updated, %d unchanged\n", projectID, res.Added, res.Updated, res.Unchanged)
		},
	}
	importCmd.Flags().Bool("remember", true, "Save the project directory to the config")
	rootCmd.AddCommand(importCmd)

	analyzeCmd := &cobra.Command{
		Use:   "analyze <project>",
		Short: "Extract knowledge from changed chapters",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			projectID := args[0]
			if dir, ok := a.cfg.ProjectDir(projectID); ok {
				if skip, _ := cmd.Flags().GetBool("no-import"); !skip {
					_, err := manuscript.Import(ctx, a.store, projectID, dir, a.log)
					exitOn(err, "import manuscript")
				}
			}

			force, _ := cmd.Flags().GetBool("force")
			names, _ := cmd.Flags().GetStringSlice("category")
			cats, err := parseCategories(names)
			exitOn(err, "parse categories")

			res, err := a.service().AnalyzeProject(ctx, projectID, analysis.Options{ForceReExtraction: force, SelectedCategories: cats})
			exitOn(err, "analyze")
			if jsonOutput {
				printJSON(res)
				return
			}
			printAnalysis(res)
		},
	}
	analyzeCmd.Flags().Bool("force", false, "Re-extract every chapter regardless of content hashes")
	analyzeCmd.Flags().StringSlice("category", nil, "Limit extraction to these categories")
	analyzeCmd.Flags().Bool("no-import", false, "Skip re-reading the manuscript directory first")
	rootCmd.AddCommand(analyzeCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status <project>",
		Short: "Show the current or most recent analysis job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			st, err := a.service().GetAnalysisStatus(cmd.Context(), args[0])
			exitOn(err, "get status")
			if jsonOutput {
				printJSON(st)
				return
			}
			if st.CurrentJob == nil {
				fmt.Println("No analysis has run yet")
				return
			}
			j := st.CurrentJob
			fmt.Printf("Job %s: %s (%.0f%%)\n", j.ID, j.State, j.Progress())
			if j.Reason != nil {
				fmt.Printf("  Reason: [%s] %s\n", j.Reason.Code, j.Reason.Message)
			}
		},
	})

	eventsCmd := &cobra.Command{
		Use:   "events <project>",
		Short: "Show pipeline events after a sequence number",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			after, _ := cmd.Flags().GetInt64("after")
			limit, _ := cmd.Flags().GetInt("limit")
			events, err := bus.List(cmd.Context(), a.db, args[0], after, limit)
			exitOn(err, "list events")
			if jsonOutput {
				printJSON(events)
				return
			}
			for _, e := range events {
				chapter := ""
				if e.ChapterID != nil {
					chapter = " " + *e.ChapterID
				}
				fmt.Printf("%6d  %s  %s%s\n", e.Seq, time.Unix(e.CreatedAt, 0).Format("15:04:05"), e.Type, chapter)
			}
		},
	}
	eventsCmd.Flags().Int64("after", 0, "Only events with a larger sequence number")
	eventsCmd.Flags().Int("limit", 100, "Maximum events to print")
	rootCmd.AddCommand(eventsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Stop a running analysis after its in-flight call",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			exitOn(a.service().Cancel(cmd.Context(), args[0]), "cancel job")
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "job_id": args[0]})
				return
			}
			fmt.Printf("Cancelled %s\n", args[0])
		},
	})

	elementsCmd := &cobra.Command{
		Use:   "elements <project>",
		Short: "List extracted elements",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			name, _ := cmd.Flags().GetString("category")
			var cat story.Category
			if name != "" {
				c, err := story.ParseCategory(name)
				exitOn(err, "parse category")
				cat = c
			}
			els, err := a.store.ListElements(cmd.Context(), args[0], cat)
			exitOn(err, "list elements")
			if jsonOutput {
				printJSON(els)
				return
			}
			for _, e := range els {
				mark := ""
				if e.UserEdited {
					mark = " (edited)"
				}
				fmt.Printf("[%s] %s%s  conf=%.2f  chapters=%d\n", e.Category, e.Name, mark, e.Confidence, len(e.SourceChapterIDs))
			}
		},
	}
	elementsCmd.Flags().String("category", "", "Only this category")
	rootCmd.AddCommand(elementsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "order <project>",
		Short: "Recompute and print the chronological order",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			ordered, err := a.service().Chrono.AssignOrder(cmd.Context(), args[0])
			exitOn(err, "assign order")
			if jsonOutput {
				printJSON(ordered)
				return
			}
			for _, e := range ordered {
				order := 0
				if e.ChronologicalOrder != nil {
					order = *e.ChronologicalOrder
				}
				fmt.Printf("%4d  [%s] %s  (%.2f)\n", order, e.Category, e.Name, e.ChronologicalConfidence)
			}
		},
	})

	synthCmd := &cobra.Command{
		Use:   "synthesize <project>",
		Short: "Build merged views of records that share a name",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			svc := a.service()
			catName, _ := cmd.Flags().GetString("category")
			name, _ := cmd.Flags().GetString("name")

			if name != "" {
				cat, err := story.ParseCategory(catName)
				exitOn(err, "parse category")
				view, err := svc.Synth.Synthesize(cmd.Context(), args[0], cat, name)
				exitOn(err, "synthesize")
				if jsonOutput {
					printJSON(view)
					return
				}
				fmt.Printf("%s [%s]\n%s\n", view.Name, view.Category, view.Description)
				fmt.Printf("  chapters: %s\n", strings.Join(view.ChapterIDs, ", "))
				return
			}
			n, err := svc.Synth.SynthesizeProject(cmd.Context(), args[0])
			exitOn(err, "synthesize project")
			if jsonOutput {
				printJSON(map[string]int{"rebuilt": n})
				return
			}
			fmt.Printf("Rebuilt %d views\n", n)
		},
	}
	synthCmd.Flags().String("category", string(story.Characters), "Category of the named record")
	synthCmd.Flags().String("name", "", "Synthesize one name instead of the whole project")
	rootCmd.AddCommand(synthCmd)

	conflictsCmd := &cobra.Command{
		Use:   "conflicts <project>",
		Short: "List or resolve extractions that collided with user edits",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			accept, _ := cmd.Flags().GetString("accept")
			reject, _ := cmd.Flags().GetString("reject")
			if accept != "" || reject != "" {
				id, ok := accept, true
				if id == "" {
					id, ok = reject, false
				}
				exitOn(a.service().Dedup.ResolveConflict(cmd.Context(), args[0], id, ok), "resolve conflict")
				if jsonOutput {
					printJSON(map[string]any{"ok": true, "conflict_id": id, "accepted": ok})
					return
				}
				fmt.Printf("Resolved %s\n", id)
				return
			}
			list, err := a.store.ListConflicts(cmd.Context(), args[0], store.ConflictPending)
			exitOn(err, "list conflicts")
			if jsonOutput {
				printJSON(list)
				return
			}
			if len(list) == 0 {
				fmt.Println("No pending conflicts")
			}
			for _, c := range list {
				fmt.Printf("%s  [%s] existing=%s  sim=%.2f  %s\n", c.ID, c.Category, c.ExistingID, c.Similarity, c.Reason)
			}
		},
	}
	conflictsCmd.Flags().String("accept", "", "Apply the extracted values of this conflict")
	conflictsCmd.Flags().String("reject", "", "Keep the user's edit for this conflict")
	rootCmd.AddCommand(conflictsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "watch <project>",
		Short: "Re-import and re-analyze whenever chapter files change",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := openApp()
			defer a.close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			projectID := args[0]
			dir, ok := a.cfg.ProjectDir(projectID)
			if !ok {
				exitOn(fmt.Errorf("no directory configured for %s; run import first", projectID), "watch")
			}
			svc := a.service()
			w := &manuscript.Watcher{
				Dir:      dir,
				Debounce: time.Duration(a.cfg.Watch.DebounceSeconds) * time.Second,
				Log:      a.log,
				Sync: func(ctx context.Context) error {
					res, err := manuscript.Import(ctx, a.store, projectID, dir, a.log)
					if err != nil {
						return err
					}
					if !a.cfg.Watch.Analyze || res.Added+res.Updated == 0 {
						return nil
					}
					ar, err := svc.AnalyzeProject(ctx, projectID, analysis.Options{})
					if errors.Is(err, analysis.ErrAnalysisRunning) {
						a.log.Info("analysis already running, skipping")
						return nil
					}
					if err != nil {
						return err
					}
					a.log.Info("analysis finished",
						"processed", ar.ChaptersProcessed, "extracted", ar.TotalExtracted, "errors", len(ar.Errors))
					return nil
				},
			}
			exitOn(w.Run(ctx), "watch")
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every data command opens.
type app struct {
	cfg   *config.Config
	log   *logger.Logger
	db    *sql.DB
	store *store.Store
}

func openApp() *app {
	cfg, err := config.Load()
	exitOn(err, "load config")
	log, err := logger.New(cfg.LogMode)
	exitOn(err, "create logger")
	exitOn(db.Init(), "initialize database")
	database, err := db.Open()
	exitOn(err, "open database")
	return &app{cfg: cfg, log: log, db: database, store: store.New(database)}
}

func (a *app) close() {
	a.db.Close()
	a.log.Sync()
}

// service wires the pipeline. Without an API key extraction fails per
// chapter and embeddings fall back to simulated vectors.
func (a *app) service() *analysis.Service {
	pipeline := a.cfg.Pipeline
	if rpm := a.cfg.Gemini.AnalysisRPM; rpm > 0 {
		pipeline.ExtractionInterval = time.Minute / time.Duration(rpm)
	}
	var completer llm.Completer
	var embedder llm.Embedder
	if key := a.cfg.Gemini.APIKey; key != "" {
		client := gemini.NewClient(key)
		completer = llm.NewGeminiCompleter(client, a.cfg.Gemini.ExtractionModel)
		embedder = llm.NewGeminiEmbedder(client, a.cfg.Gemini.EmbeddingModel)
	} else {
		a.log.Warn("no gemini api key configured; embeddings are simulated")
	}
	return analysis.Build(a.store, completer, embedder, a.cfg.Gemini.EmbeddingModel, pipeline, a.log)
}

func (a *app) projectDir(projectID string, args []string) string {
	if len(args) == 2 {
		dir, err := filepath.Abs(args[1])
		exitOn(err, "resolve directory")
		return dir
	}
	dir, ok := a.cfg.ProjectDir(projectID)
	if !ok {
		exitOn(fmt.Errorf("no directory given or configured for %s", projectID), "import")
	}
	return dir
}

func (a *app) rememberProject(projectID, dir string) {
	for i, p := range a.cfg.Projects {
		if p.ID == projectID {
			if p.Dir == dir {
				return
			}
			a.cfg.Projects[i].Dir = dir
			exitOn(a.cfg.Save(), "save config")
			return
		}
	}
	a.cfg.Projects = append(a.cfg.Projects, config.ProjectEntry{ID: projectID, Dir: dir})
	exitOn(a.cfg.Save(), "save config")
}

func parseCategories(names []string) ([]story.Category, error) {
	var out []story.Category
	for _, n := range names {
		c, err := story.ParseCategory(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func printAnalysis(res *analysis.Result) {
	fmt.Printf("Job %s\n", res.JobID)
	if res.Cancelled {
		fmt.Println("  Cancelled before all chapters were processed")
	}
	fmt.Printf("  Chapters: %d processed, %d unchanged, %d covered by similar chapters\n",
		res.ChaptersProcessed, res.ChaptersUnchanged, res.ChaptersLinked)
	fmt.Printf("  Elements: %d extracted, %d new, %d merged, %d duplicates, %d conflicts\n",
		res.TotalExtracted, res.Inserted, res.Merged, res.Duplicates, res.Conflicts)
	fmt.Printf("  Calls:    %d\n", res.Calls)
	if len(res.GapsFilled) > 0 {
		fmt.Printf("  Filled:   %s\n", strings.Join(res.GapsFilled, ", "))
	}
	for _, e := range res.Errors {
		fmt.Printf("  Error:    %s %s: %s\n", e.Stage, e.ChapterID, e.Message)
	}
}

func exitOn(err error, what string) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf("Failed to %s: %v", what, err)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
