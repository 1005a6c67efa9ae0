package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"tg-channel-analytics/migrations"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("PG_DSN"), "строка подключения к Postgres")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Использование: migrate [-dsn строка] <команда>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Команды:")
		fmt.Fprintln(os.Stderr, "  up          применить все миграции")
		fmt.Fprintln(os.Stderr, "  up-one      применить одну миграцию")
		fmt.Fprintln(os.Stderr, "  down        откатить одну миграцию")
		fmt.Fprintln(os.Stderr, "  status      показать статус миграций")
		fmt.Fprintln(os.Stderr, "  version     показать текущую версию")
		fmt.Fprintln(os.Stderr, "  reset       откатить все миграции")
		os.Exit(1)
	}

	if *dsn == "" {
		log.Fatal("не указан PG_DSN")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("подключение к БД: %v", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("set dialect: %v", err)
	}

	cmd := args[0]
	switch cmd {
	case "up":
		err = goose.Up(db, ".")
	case "up-one":
		err = goose.UpByOne(db, ".")
	case "down":
		err = goose.Down(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	case "reset":
		err = goose.Reset(db, ".")
	default:
		log.Fatalf("неизвестная команда: %s", cmd)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}
