// pillquest-tool is a utility program for inspecting and repairing PillQuest
// data outside of the web UI.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/RaphaLefth/pillquest/backup"
	"github.com/RaphaLefth/pillquest/dbtypes"
	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/recordstore/backend"
	"github.com/RaphaLefth/pillquest/recordstore/badgerstore"
	"github.com/RaphaLefth/pillquest/tracker"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/storage"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	googleopt "google.golang.org/api/option"
)

var cmdRoot = &cobra.Command{
	Use:          "pillquest-tool",
	SilenceUsage: true,
}

var (
	storeKind   string
	dataDir     string
	dataProject string
	timezone    string
	username    string
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&storeKind, "store", backend.KindBadger, "Record store: badger or firestore.")
	cmdRoot.PersistentFlags().StringVar(&dataDir, "data-dir", "./pillquest-data", "Directory for the badger store.")
	cmdRoot.PersistentFlags().StringVar(&dataProject, "data-project", "", "GCP project for cloud resources.")
	cmdRoot.PersistentFlags().StringVar(&timezone, "timezone", "", "IANA zone that defines calendar days.  Defaults to the local zone.")
	cmdRoot.PersistentFlags().StringVar(&username, "user", "", "Username to act on.  Defaults to the first registered user.")
}

func openStore(ctx context.Context) (recordstore.Store, error) {
	store, err := backend.Open(ctx, backend.Config{
		Kind:        storeKind,
		DataDir:     dataDir,
		Project:     dataProject,
		Collections: dbtypes.All,
	})
	if err != nil {
		return nil, fmt.Errorf("while opening record store: %w", err)
	}
	return store, nil
}

func openTracker(ctx context.Context) (*tracker.Tracker, recordstore.Store, error) {
	loc := time.Local
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("while loading timezone %q: %w", timezone, err)
		}
	}

	store, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return tracker.New(store, tracker.WithLocation(loc)), store, nil
}

func resolveUser(ctx context.Context, tr *tracker.Tracker) (*dbtypes.User, error) {
	if username == "" {
		return tr.FirstUser(ctx)
	}
	return tr.UserByUsername(ctx, username)
}

// withUser runs fn against the selected user.
func withUser(fn func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tr, store, err := openTracker(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		user, err := resolveUser(ctx, tr)
		if err != nil {
			return fmt.Errorf("while looking up user: %w", err)
		}
		return fn(ctx, tr, user, args)
	}
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printDoses(doses []*dbtypes.Dose, loc *time.Location) error {
	tw := newTable()
	fmt.Fprintln(tw, "ID\tSCHEDULED\tMEDICATION\tDOSAGE\tSTATUS")
	for _, d := range doses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.ScheduledAt.In(loc).Format("2006-01-02 15:04"), d.MedicationName, d.Dosage, d.Status)
	}
	return tw.Flush()
}

var cmdUsers = &cobra.Command{
	Use: "users [command]",
}

var cmdUsersList = &cobra.Command{
	Use: "list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tr, store, err := openTracker(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		users, err := tr.ListUsers(ctx)
		if err != nil {
			return fmt.Errorf("while listing users: %w", err)
		}

		tw := newTable()
		fmt.Fprintln(tw, "ID\tUSERNAME\tNAME\tEMAIL\tREMINDERS\tCREATED")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", u.ID, u.Username, u.Name, u.Email, u.RemindersEnabled, u.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var cmdUsersShow = &cobra.Command{
	Use: "show",
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		fmt.Printf("%s %s (@%s)\n", user.Avatar, user.Name, user.Username)
		fmt.Printf("id: %s\n", user.ID)
		if user.Email != "" {
			fmt.Printf("email: %s\n", user.Email)
		}
		fmt.Printf("reminders: %t\n", user.RemindersEnabled)
		return nil
	}),
}

var cmdTreatments = &cobra.Command{
	Use: "treatments [command]",
}

var treatmentsListAll bool

var cmdTreatmentsList = &cobra.Command{
	Use: "list",
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		treatments, err := tr.ListTreatments(ctx, user.ID, treatmentsListAll)
		if err != nil {
			return fmt.Errorf("while listing treatments: %w", err)
		}

		tw := newTable()
		fmt.Fprintln(tw, "ID\tMEDICATION\tDOSAGE\tSCHEDULE\tSTART\tDAYS\tACTIVE")
		for _, t := range treatments {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%t\n", t.ID, t.MedicationName, t.Dosage, strings.Join(t.Schedule, ","), t.StartDate, t.DurationDays, t.Active)
		}
		return tw.Flush()
	}),
}

var (
	treatmentsAddName      string
	treatmentsAddDosage    string
	treatmentsAddFrequency int
	treatmentsAddSchedule  []string
	treatmentsAddFirstDose string
	treatmentsAddDays      int
	treatmentsAddTotal     int
)

var cmdTreatmentsAdd = &cobra.Command{
	Use: "add",
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		t, err := tr.AddTreatment(ctx, user.ID, &tracker.TreatmentRequest{
			MedicationName: treatmentsAddName,
			Dosage:         treatmentsAddDosage,
			Frequency:      treatmentsAddFrequency,
			Schedule:       treatmentsAddSchedule,
			FirstDose:      treatmentsAddFirstDose,
			DurationDays:   treatmentsAddDays,
			TotalDoses:     treatmentsAddTotal,
		})
		if err != nil {
			return fmt.Errorf("while adding treatment: %w", err)
		}
		fmt.Println(t.ID)
		return nil
	}),
}

func init() {
	cmdTreatmentsList.Flags().BoolVar(&treatmentsListAll, "all", false, "Include stopped treatments.")

	cmdTreatmentsAdd.Flags().StringVar(&treatmentsAddName, "medication", "", "Medication name.")
	cmdTreatmentsAdd.Flags().StringVar(&treatmentsAddDosage, "dosage", "", "Dosage, for example 500mg.")
	cmdTreatmentsAdd.Flags().IntVar(&treatmentsAddFrequency, "frequency", 1, "Doses per day.")
	cmdTreatmentsAdd.Flags().StringSliceVar(&treatmentsAddSchedule, "schedule", nil, "Daily times as HH:MM.  Overrides --first-dose.")
	cmdTreatmentsAdd.Flags().StringVar(&treatmentsAddFirstDose, "first-dose", "08:00", "Time of the first daily dose; the rest are spread evenly.")
	cmdTreatmentsAdd.Flags().IntVar(&treatmentsAddDays, "duration-days", 0, "Treatment length in days.")
	cmdTreatmentsAdd.Flags().IntVar(&treatmentsAddTotal, "total-doses", 0, "Cap on the number of doses.  0 means no cap.")
}

var cmdTreatmentsDeactivate = &cobra.Command{
	Use:  "deactivate TREATMENT-ID",
	Args: cobra.ExactArgs(1),
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		if err := tr.DeactivateTreatment(ctx, user.ID, args[0]); err != nil {
			return fmt.Errorf("while deactivating treatment: %w", err)
		}
		return nil
	}),
}

var cmdDoses = &cobra.Command{
	Use: "doses [command]",
}

var cmdDosesPending = &cobra.Command{
	Use: "pending",
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		pending, err := tr.PendingDoses(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("while listing pending doses: %w", err)
		}
		doses := make([]*dbtypes.Dose, 0, len(pending))
		for _, p := range pending {
			doses = append(doses, p.Dose)
		}
		return printDoses(doses, tr.Location())
	}),
}

var dosesDayDate string

var cmdDosesDay = &cobra.Command{
	Use: "day",
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		day := tr.Today()
		if dosesDayDate != "" {
			var err error
			day, err = civil.ParseDate(dosesDayDate)
			if err != nil {
				return fmt.Errorf("while parsing --date: %w", err)
			}
		}
		pending, err := tr.DosesForDay(ctx, user.ID, day)
		if err != nil {
			return fmt.Errorf("while listing doses for %s: %w", day, err)
		}
		doses := make([]*dbtypes.Dose, 0, len(pending))
		for _, p := range pending {
			doses = append(doses, p.Dose)
		}
		return printDoses(doses, tr.Location())
	}),
}

var dosesTakeManual bool

var cmdDosesTake = &cobra.Command{
	Use:  "take DOSE-ID",
	Args: cobra.ExactArgs(1),
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		res, err := tr.TakeDose(ctx, user.ID, args[0], tracker.TakeOptions{Manual: dosesTakeManual})
		if err != nil && res == nil {
			return fmt.Errorf("while taking dose: %w", err)
		}
		fmt.Printf("Taken.  Points %d, coins %d, streak %d.\n", res.Stats.TotalPoints, res.Stats.TotalCoins, res.Stats.CurrentStreak)
		for _, u := range res.Unlocked {
			fmt.Printf("Unlocked %s\n", u.AchievementID)
		}
		if err != nil {
			return fmt.Errorf("while checking achievements: %w", err)
		}
		return nil
	}),
}

func init() {
	cmdDosesDay.Flags().StringVar(&dosesDayDate, "date", "", "Day as YYYY-MM-DD.  Defaults to today.")
	cmdDosesTake.Flags().BoolVar(&dosesTakeManual, "manual", false, "Record the dose even outside its window.")
}

var cmdDosesMissed = &cobra.Command{
	Use: "missed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tr, store, err := openTracker(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		doses, err := tr.MissedDoses(ctx)
		if err != nil {
			return fmt.Errorf("while listing missed doses: %w", err)
		}
		return printDoses(doses, tr.Location())
	},
}

var cmdStats = &cobra.Command{
	Use: "stats",
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		s, err := tr.Stats(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("while loading stats: %w", err)
		}
		fmt.Printf("points: %d\ncoins: %d\nstreak: %d (longest %d)\ndoses: %d\n", s.TotalPoints, s.TotalCoins, s.CurrentStreak, s.LongestStreak, s.TotalDoses)
		if s.LastDoseDate != nil {
			fmt.Printf("last dose: %s\n", s.LastDoseDate)
		}
		return nil
	}),
}

var cmdAchievements = &cobra.Command{
	Use: "achievements",
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		list, err := tr.Achievements(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("while loading achievements: %w", err)
		}
		tw := newTable()
		fmt.Fprintln(tw, "ID\tNAME\tUNLOCKED")
		for _, a := range list {
			at := "-"
			if a.Unlocked {
				at = a.UnlockedAt.In(tr.Location()).Format("2006-01-02 15:04")
			}
			fmt.Fprintf(tw, "%s\t%s %s\t%s\n", a.ID, a.Icon, a.Name, at)
		}
		return tw.Flush()
	}),
}

var historyDays int

var cmdHistory = &cobra.Command{
	Use: "history",
	RunE: withUser(func(ctx context.Context, tr *tracker.Tracker, user *dbtypes.User, args []string) error {
		to := tr.Today()
		from := to.AddDays(-(historyDays - 1))
		doses, counts, err := tr.History(ctx, user.ID, from, to)
		if err != nil {
			return fmt.Errorf("while loading history: %w", err)
		}
		if err := printDoses(doses, tr.Location()); err != nil {
			return err
		}
		fmt.Printf("\n%d taken, %d missed, %d still to come.\n", counts.Taken, counts.Missed, counts.Scheduled)
		return nil
	}),
}

func init() {
	cmdHistory.Flags().IntVar(&historyDays, "days", 7, "Number of days, ending today.")
}

var resetConfirm bool

var cmdReset = &cobra.Command{
	Use: "reset",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirm {
			return fmt.Errorf("refusing to erase all data without --yes")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tr, store, err := openTracker(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		return tr.Reset(ctx)
	},
}

func init() {
	cmdReset.Flags().BoolVar(&resetConfirm, "yes", false, "Really erase everything.")
}

var cmdBackup = &cobra.Command{
	Use: "backup [command]",
}

var backupBucket string

func init() {
	cmdBackup.PersistentFlags().StringVar(&backupBucket, "bucket", "", "GCS bucket that holds backups.")
}

// withSnapshot runs fn against the badger store, which is the only backend
// that can be snapshotted.
func withSnapshot(fn func(ctx context.Context, snap backup.Snapshotter, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		bs, ok := store.(*badgerstore.Store)
		if !ok {
			return fmt.Errorf("backups need --store=%s", backend.KindBadger)
		}
		return fn(ctx, bs, args)
	}
}

func newArchive(ctx context.Context) (*backup.Archive, error) {
	if backupBucket == "" {
		return nil, fmt.Errorf("--bucket is required")
	}
	gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
	if err != nil {
		return nil, fmt.Errorf("while creating GCS client: %w", err)
	}
	return backup.NewArchive(gcs, backupBucket), nil
}

var cmdBackupUpload = &cobra.Command{
	Use: "upload",
	RunE: withSnapshot(func(ctx context.Context, snap backup.Snapshotter, args []string) error {
		archive, err := newArchive(ctx)
		if err != nil {
			return err
		}
		name, err := archive.Upload(ctx, snap, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(name)
		return nil
	}),
}

var cmdBackupDownload = &cobra.Command{
	Use:  "download NAME",
	Args: cobra.ExactArgs(1),
	RunE: withSnapshot(func(ctx context.Context, snap backup.Snapshotter, args []string) error {
		archive, err := newArchive(ctx)
		if err != nil {
			return err
		}
		return archive.Download(ctx, snap, args[0])
	}),
}

var cmdBackupList = &cobra.Command{
	Use: "list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		archive, err := newArchive(ctx)
		if err != nil {
			return err
		}
		names, err := archive.List(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var cmdBackupToFile = &cobra.Command{
	Use:  "to-file FILE",
	Args: cobra.ExactArgs(1),
	RunE: withSnapshot(func(ctx context.Context, snap backup.Snapshotter, args []string) error {
		return backup.ToFile(snap, args[0])
	}),
}

var cmdBackupFromFile = &cobra.Command{
	Use:  "from-file FILE",
	Args: cobra.ExactArgs(1),
	RunE: withSnapshot(func(ctx context.Context, snap backup.Snapshotter, args []string) error {
		return backup.FromFile(snap, args[0])
	}),
}

func main() {
	glog.CopyStandardLogTo("INFO")

	cmdRoot.AddCommand(cmdUsers, cmdTreatments, cmdDoses, cmdStats, cmdAchievements, cmdHistory, cmdReset, cmdBackup)
	cmdUsers.AddCommand(cmdUsersList, cmdUsersShow)
	cmdTreatments.AddCommand(cmdTreatmentsList, cmdTreatmentsAdd, cmdTreatmentsDeactivate)
	cmdDoses.AddCommand(cmdDosesPending, cmdDosesDay, cmdDosesTake, cmdDosesMissed)
	cmdBackup.AddCommand(cmdBackupUpload, cmdBackupDownload, cmdBackupList, cmdBackupToFile, cmdBackupFromFile)

	if err := cmdRoot.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}
