package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"ipwarden/internal/app"
	"ipwarden/internal/auth"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			log.Fatal("token not issued", "error", err)
		}
		return
	}

	if err := app.Run(); err != nil {
		log.Fatal("application terminated", "error", err)
	}
}

// issueToken prints an admin bearer token signed with WARDEN_JWT_SECRET.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "admin", "Token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = godotenv.Load()

	token, err := auth.GenerateJWT(*subject, auth.RoleAdmin, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
