package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"

	"github.com/OU4/bookreader-sub001/internal/catalog"
	"github.com/OU4/bookreader-sub001/internal/config"
	"github.com/OU4/bookreader-sub001/internal/connectivity"
	"github.com/OU4/bookreader-sub001/internal/domain"
	"github.com/OU4/bookreader-sub001/internal/ratelimit"
	"github.com/OU4/bookreader-sub001/internal/reconcile"
	"github.com/OU4/bookreader-sub001/internal/remote"
	"github.com/OU4/bookreader-sub001/internal/transfer"
	"github.com/OU4/bookreader-sub001/internal/ui"
)

const (
	version = "0.1.0"
)

var (
	// Global flags
	versionFlag = flag.Bool("version", false, "Show version")
	configPath  = flag.String("config", "", "Path to YAML config file")
	catalogDir  = flag.String("catalog", "", "Catalog directory (overrides config)")

	// Local catalog commands
	listFlag     = flag.Bool("list", false, "List books in the local catalog")
	checkFlag    = flag.Bool("check", false, "Check catalog and backup integrity")
	repairFlag   = flag.Bool("repair", false, "Restore the catalog from backup if the main file is damaged")
	snapshotFlag = flag.Bool("snapshot", false, "Create a timestamped backup snapshot")
	pruneFlag    = flag.Bool("prune", false, "Prune old snapshots beyond the retention count")

	// Cloud commands
	syncFlag = flag.Bool("sync", false, "Reconcile the local catalog with the cloud copy")
	uploadID = flag.String("upload", "", "Upload the payload file of the given book id")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, `bookreader - Local book catalog with cloud reconciliation

Usage:
  bookreader [flags]

Flags:
`)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, `
Examples:
  # List the local catalog
  bookreader -list

  # Verify and repair the catalog files
  bookreader -check
  bookreader -repair

  # Reconcile with the cloud copy
  bookreader -config ~/.bookreader/config.yaml -sync

`)
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("bookreader version %s\n", version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *catalogDir != "" {
		cfg.CatalogDir = *catalogDir
	}

	store, err := catalog.NewStore(cfg.CatalogDir, cfg.BooksDir)
	if err != nil {
		return fmt.Errorf("failed to open catalog at %s: %w", cfg.CatalogDir, err)
	}

	switch {
	case *listFlag:
		return listBooks(store)
	case *checkFlag:
		return checkCatalog(store)
	case *repairFlag:
		return repairCatalog(store)
	case *snapshotFlag:
		return snapshotCatalog(store)
	case *pruneFlag:
		return store.PruneSnapshots()
	case *syncFlag:
		return syncCatalog(ctx, cfg, store)
	case *uploadID != "":
		return uploadBook(ctx, cfg, store, *uploadID)
	default:
		flag.Usage()
		return fmt.Errorf("no command given")
	}
}

func listBooks(store *catalog.Store) error {
	books, err := store.Load()
	if err != nil {
		return err
	}
	ui.Header("Local Catalog")
	if len(books) == 0 {
		ui.Info("catalog is empty")
		return nil
	}
	for _, b := range books {
		ui.Success("%s — %s", b.Title, b.Author)
		ui.Field("id", "%s", b.ID)
		ui.Field("type", "%s", b.Type)
		ui.Field("position", "%.0f%%", b.LastReadPosition*100)
		if !b.LastModified.IsZero() {
			ui.Field("modified", "%s", b.LastModified.Format(time.RFC3339))
		}
	}
	return nil
}

func checkCatalog(store *catalog.Store) error {
	ui.Header("Catalog Integrity")
	integrity := store.CheckIntegrity()
	report := func(name string, exists, valid bool) {
		switch {
		case !exists:
			ui.Info("%s: absent", name)
		case valid:
			ui.Success("%s: valid", name)
		default:
			ui.Warning("%s: damaged", name)
		}
	}
	report("catalog", integrity.MainExists, integrity.MainValid)
	report("backup", integrity.BackupExists, integrity.BackupValid)
	if !integrity.Healthy() {
		ui.Warning("run with -repair to restore from backup")
	}
	return nil
}

func repairCatalog(store *catalog.Store) error {
	repaired, err := store.RepairIfNeeded()
	if err != nil {
		return err
	}
	if repaired {
		ui.Success("catalog restored from backup")
	} else {
		ui.Info("catalog healthy, nothing to repair")
	}
	return nil
}

func snapshotCatalog(store *catalog.Store) error {
	desc, err := store.CreateTimestampedSnapshot()
	if err != nil {
		return err
	}
	ui.Success("snapshot written: %s", desc.Path)
	if err := store.PruneSnapshots(); err != nil {
		return err
	}
	return nil
}

// newReconciler wires the cloud stack: Firestore store, rate limiter and
// connectivity monitor, plus the GCS pipeline when a bucket is configured.
// The remote store is returned alongside so commands can read the
// reconciled documents back over the same client.
func newReconciler(ctx context.Context, cfg config.Config) (*reconcile.Reconciler, remote.Store, *connectivity.Monitor, error) {
	if cfg.ProjectID == "" || cfg.UserID == "" {
		return nil, nil, nil, fmt.Errorf("project_id and user_id must be configured for cloud commands")
	}

	client, err := remote.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, nil, err
	}

	monitor := connectivity.NewMonitor(connectivity.WithInterval(cfg.ProbeInterval))
	monitor.Start(ctx)

	limiter := ratelimit.New(cfg.Limits())

	opts := []reconcile.Option{
		reconcile.WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.BackoffUnit),
	}
	if cfg.Transfer.Bucket != "" {
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		pipeline, err := transfer.NewPipeline(
			transfer.NewGCSBlobStore(gcs, cfg.Transfer.Bucket),
			transfer.WithMaxFileSize(cfg.Transfer.MaxFileSize),
			transfer.WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.BackoffUnit),
		)
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, reconcile.WithTransferPipeline(pipeline))
	}

	rstore := remote.NewFirestoreStore(client)
	rec, err := reconcile.New(rstore, limiter, monitor, cfg.UserID, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return rec, rstore, monitor, nil
}

// syncCatalog pushes every local book through the reconciler's merge write,
// then pulls the reconciled remote state back into the local catalog.
func syncCatalog(ctx context.Context, cfg config.Config, store *catalog.Store) error {
	rec, rstore, monitor, err := newReconciler(ctx, cfg)
	if err != nil {
		return err
	}
	defer monitor.Stop()

	ui.Header("Cloud Reconciliation")
	if !monitor.WaitForConnection(ctx, 10*time.Second) {
		return fmt.Errorf("no network connection")
	}

	books, err := store.Load()
	if err != nil {
		return err
	}
	ui.Info("pushing %d local books", len(books))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range books {
		g.Go(func() error {
			if err := rec.UpdateBook(gctx, &books[i]); err != nil {
				return fmt.Errorf("failed to push book %s: %w", books[i].ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged, err := pullRemote(ctx, rstore, cfg.UserID, books)
	if err != nil {
		return err
	}
	if err := store.Save(merged); err != nil {
		return err
	}
	ui.Success("catalog reconciled: %d books", len(merged))
	return nil
}

// pullRemote fetches the authoritative remote records and merges them over
// the local set.
func pullRemote(ctx context.Context, rstore remote.Store, userID string, local []domain.Book) ([]domain.Book, error) {
	remoteBooks, err := rstore.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.Book, len(local))
	order := make([]string, 0, len(local))
	for _, b := range local {
		byID[b.ID] = b
		order = append(order, b.ID)
	}
	for _, rb := range remoteBooks {
		if lb, ok := byID[rb.ID]; ok {
			byID[rb.ID] = *domain.MergeBooks(&lb, rb)
		} else {
			byID[rb.ID] = *rb.Clone()
			order = append(order, rb.ID)
		}
	}

	out := make([]domain.Book, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func uploadBook(ctx context.Context, cfg config.Config, store *catalog.Store, bookID string) error {
	rec, rstore, monitor, err := newReconciler(ctx, cfg)
	if err != nil {
		return err
	}
	defer monitor.Stop()

	books, err := store.Load()
	if err != nil {
		return err
	}
	for i := range books {
		if books[i].ID != bookID {
			continue
		}
		if !monitor.WaitForConnection(ctx, 10*time.Second) {
			return fmt.Errorf("no network connection")
		}
		res, err := rec.UploadPayload(ctx, &books[i], store.PayloadPath(books[i]))
		if err != nil {
			return fmt.Errorf("upload failed for %s: %w", books[i].Title, err)
		}

		// the merge stamped the storage fields remotely; pull the
		// reconciled record back rather than re-deriving it locally
		if merged, err := rstore.Get(ctx, cfg.UserID, books[i].ID); err == nil && merged != nil {
			books[i] = *merged
		} else {
			books[i].StorageFileName = res.ObjectName
			books[i].StorageURL = res.URL
		}
		if err := store.Update(books[i]); err != nil {
			return err
		}
		if res.AlreadyExists {
			ui.Info("payload already present remotely as %s", res.ObjectName)
		} else {
			ui.Success("uploaded %s (%d bytes, %s strategy)", books[i].Title, res.Bytes, res.Strategy)
		}
		return nil
	}
	return fmt.Errorf("book %s not found in local catalog", bookID)
}
