package persistence_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/crumbgate/crumbgate/errs"
	pgstore "github.com/crumbgate/crumbgate/internal/persistence/postgres"
	"github.com/crumbgate/crumbgate/internal/prefs"
	"github.com/crumbgate/crumbgate/internal/profile"
	"github.com/crumbgate/crumbgate/internal/schema"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "crumbgate"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/crumbgate?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	migrationsDir := filepath.Join(root, "db", "migrations")
	sourceURL := fmt.Sprintf("file://%s", migrationsDir)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func TestPostgresProfileAndPrefsStores(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	profileStore := pgstore.NewProfileStore(testPool)
	prefsStore := pgstore.NewPrefsStore(testPool)

	snapshot := profile.Snapshot{
		Domain: "example.com",
		Name:   "logged-in",
		Cookies: []schema.Cookie{
			{
				Name:     "sid",
				Value:    "abc123",
				Domain:   ".example.com",
				Path:     "/",
				Secure:   true,
				HTTPOnly: true,
				SameSite: schema.SameSiteLax,
				Expires:  time.Unix(1900000000, 0).UTC(),
			},
			{Name: "theme", Value: "dark", Domain: "example.com", Path: "/settings"},
		},
		SavedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := profileStore.SaveProfile(ctx, snapshot); err != nil {
		t.Fatalf("save profile: %v", err)
	}

	got, err := profileStore.GetProfile(ctx, "example.com", "logged-in")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if len(got.Cookies) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(got.Cookies))
	}
	if got.Cookies[0].Value != "abc123" || got.Cookies[0].SameSite != schema.SameSiteLax {
		t.Fatalf("cookie payload did not round-trip: %+v", got.Cookies[0])
	}
	if !got.Cookies[0].Expires.Equal(snapshot.Cookies[0].Expires) {
		t.Fatalf("expected expiry %v, got %v", snapshot.Cookies[0].Expires, got.Cookies[0].Expires)
	}

	// Overwrite replaces the cookie list.
	snapshot.Cookies = snapshot.Cookies[:1]
	if err := profileStore.SaveProfile(ctx, snapshot); err != nil {
		t.Fatalf("overwrite profile: %v", err)
	}
	got, err = profileStore.GetProfile(ctx, "example.com", "logged-in")
	if err != nil {
		t.Fatalf("get overwritten profile: %v", err)
	}
	if len(got.Cookies) != 1 {
		t.Fatalf("expected 1 cookie after overwrite, got %d", len(got.Cookies))
	}

	if err := profileStore.SaveProfile(ctx, profile.Snapshot{Domain: "example.com", Name: "clean", SavedAt: time.Now()}); err != nil {
		t.Fatalf("save second profile: %v", err)
	}
	names, err := profileStore.ListProfiles(ctx, "example.com")
	if err != nil {
		t.Fatalf("list profiles: %v", err)
	}
	if len(names) != 2 || names[0] != "clean" || names[1] != "logged-in" {
		t.Fatalf("unexpected profile names %v", names)
	}

	meta := profile.Metadata{LastLoadedName: "logged-in", ModifiedSinceLoad: false}
	if err := profileStore.SetMetadata(ctx, "example.com", meta); err != nil {
		t.Fatalf("set metadata: %v", err)
	}

	if err := profileStore.RenameProfile(ctx, "example.com", "logged-in", "session"); err != nil {
		t.Fatalf("rename profile: %v", err)
	}
	gotMeta, err := profileStore.GetMetadata(ctx, "example.com")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if gotMeta.LastLoadedName != "session" {
		t.Fatalf("metadata did not follow rename: %+v", gotMeta)
	}

	err = profileStore.RenameProfile(ctx, "example.com", "clean", "session")
	if !errs.IsCode(err, errs.CodeConflict) {
		t.Fatalf("expected conflict renaming onto existing name, got %v", err)
	}

	if err := profileStore.DeleteProfile(ctx, "example.com", "session"); err != nil {
		t.Fatalf("delete profile: %v", err)
	}
	_, err = profileStore.GetProfile(ctx, "example.com", "session")
	if !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
	gotMeta, err = profileStore.GetMetadata(ctx, "example.com")
	if err != nil {
		t.Fatalf("get metadata after delete: %v", err)
	}
	if gotMeta.LastLoadedName != "" || gotMeta.ModifiedSinceLoad {
		t.Fatalf("metadata not cleared after deleting loaded profile: %+v", gotMeta)
	}

	loaded, err := prefsStore.Load(ctx)
	if err != nil {
		t.Fatalf("load default prefs: %v", err)
	}
	if loaded.Sort != prefs.SortAsc || loaded.IncludeParent {
		t.Fatalf("unexpected default prefs %+v", loaded)
	}

	want := prefs.Prefs{Sort: prefs.SortDesc, IncludeParent: true}
	if err := prefsStore.Save(ctx, want); err != nil {
		t.Fatalf("save prefs: %v", err)
	}
	loaded, err = prefsStore.Load(ctx)
	if err != nil {
		t.Fatalf("load prefs: %v", err)
	}
	if loaded != want {
		t.Fatalf("prefs did not round-trip: got %+v want %+v", loaded, want)
	}
}
