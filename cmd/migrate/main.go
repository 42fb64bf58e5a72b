package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"sparing.org/internal/auth"
	"sparing.org/internal/migrate"
	"sparing.org/internal/obs"
	"sparing.org/internal/store/pg"
)

const usage = `usage: migrate [-dsn DSN] <command> [flags]

commands:
  up                     apply pending migrations
  down                   revert the latest migration
  status                 list applied migrations
  create-site  -uid UID -name NAME [-company NAME]
  create-user  -email EMAIL -name NAME -role admin|operator|viewer [-sites UID,UID]
               (password is read from SPARING_USER_PASSWORD)`

func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("PG_DSN"), "PostgreSQL DSN")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PG_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), pg.Migrations(), migrate.WithLogger(obs.NewLogger("text", "info", os.Stderr)))

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil && len(applied) == 0 {
			fmt.Println("nothing to apply")
		}
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("reverted", reverted)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "create-site":
		err = createSite(ctx, store, args)
	case "create-user":
		err = createUser(ctx, store, args)
	default:
		log.Fatalf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}

func createSite(ctx context.Context, store *pg.Store, args []string) error {
	fs := flag.NewFlagSet("create-site", flag.ExitOnError)
	uid := fs.String("uid", "", "site identifier sent by devices")
	name := fs.String("name", "", "display name")
	company := fs.String("company", "", "operating company")
	_ = fs.Parse(args)
	if strings.TrimSpace(*uid) == "" || strings.TrimSpace(*name) == "" {
		return fmt.Errorf("-uid and -name are required")
	}
	site, err := store.CreateSite(ctx, *uid, *name, *company)
	if err != nil {
		return err
	}
	fmt.Printf("site %s created (id %d)\n", site.UID, site.ID)
	return nil
}

func createUser(ctx context.Context, store *pg.Store, args []string) error {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	email := fs.String("email", "", "login email")
	name := fs.String("name", "", "display name")
	roleName := fs.String("role", string(auth.RoleViewer), "admin, operator or viewer")
	sites := fs.String("sites", "", "comma-separated site uids (viewers only)")
	_ = fs.Parse(args)

	role, err := auth.ParseRole(*roleName)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" {
		return fmt.Errorf("-email is required")
	}
	password := os.Getenv("SPARING_USER_PASSWORD")
	if password == "" {
		return fmt.Errorf("SPARING_USER_PASSWORD must be set")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	var siteUIDs []string
	for _, s := range strings.Split(*sites, ",") {
		if s = strings.TrimSpace(s); s != "" {
			siteUIDs = append(siteUIDs, s)
		}
	}
	if role != auth.RoleViewer && len(siteUIDs) > 0 {
		return fmt.Errorf("-sites only applies to viewers")
	}

	user, err := store.CreateUser(ctx, auth.User{
		Name:         *name,
		Email:        *email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	}, siteUIDs)
	if err != nil {
		return err
	}
	fmt.Printf("user %s created (%s, id %s)\n", user.Email, user.Role, user.ID)
	return nil
}
