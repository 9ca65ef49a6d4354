package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/coedit/collab/collab"
)

const CoeditCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Coedit control.

The default urls are:
    api_url: https://api.coedit.network
    connect_url: wss://connect.coedit.network

Usage:
    coeditctl login [--api_url=<api_url>]
        --user_auth=<user_auth>
        [--password=<password>]
    coeditctl create-document [--api_url=<api_url>] --jwt=<jwt>
        --title=<title>
        [<content>]
    coeditctl list-documents [--api_url=<api_url>] --jwt=<jwt>
    coeditctl join [--connect_url=<connect_url>] --jwt=<jwt>
        [--store=<store_path>]
        <document_id>

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --user_auth=<user_auth>   Email or username.
    --password=<password>     Prompted when omitted.
    --jwt=<jwt>               Your coedit JWT.
    --title=<title>           Document title.
    --store=<store_path>      Local snapshot store path.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoeditCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if createDocument_, _ := opts.Bool("create-document"); createDocument_ {
		createDocument(opts)
	} else if listDocuments_, _ := opts.Bool("list-documents"); listDocuments_ {
		listDocuments(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		return apiUrl_
	}
	return "https://api.coedit.network"
}

func connectUrl(opts docopt.Opts) string {
	if connectUrl_, err := opts.String("--connect_url"); err == nil && connectUrl_ != "" {
		return connectUrl_
	}
	return "wss://connect.coedit.network"
}

func login(opts docopt.Opts) {
	userAuth, _ := opts.String("--user_auth")
	password, err := opts.String("--password")
	if err != nil || password == "" {
		fmt.Fprint(os.Stderr, "password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read password: %s", err)
		}
		password = string(passwordBytes)
	}

	api := collab.NewCoeditApi(apiUrl(opts))
	result, err := api.AuthLoginSync(&collab.AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	})
	if err != nil {
		Err.Fatalf("Login failed: %s", err)
	}
	if result.Error != nil {
		Err.Fatalf("Login failed: %s", result.Error.Message)
	}
	Out.Printf("%s", result.User.ByJwt)
}

func createDocument(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	title, _ := opts.String("--title")
	content, _ := opts.String("<content>")

	api := collab.NewCoeditApi(apiUrl(opts))
	api.SetByJwt(jwt)
	result, err := api.CreateDocumentSync(&collab.CreateDocumentArgs{
		Title:   title,
		Content: content,
	})
	if err != nil {
		Err.Fatalf("Create failed: %s", err)
	}
	if result.Error != nil {
		Err.Fatalf("Create failed: %s", result.Error.Message)
	}
	Out.Printf("%s", result.Document.DocumentId)
}

func listDocuments(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	api := collab.NewCoeditApi(apiUrl(opts))
	api.SetByJwt(jwt)
	result, err := api.ListDocumentsSync()
	if err != nil {
		Err.Fatalf("List failed: %s", err)
	}
	if result.Error != nil {
		Err.Fatalf("List failed: %s", result.Error.Message)
	}
	for _, document := range result.Documents {
		Out.Printf("%s v%-6d %s", document.DocumentId, document.Version, document.Title)
	}
}

func join(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	documentIdStr, _ := opts.String("<document_id>")
	documentId, err := collab.ParseId(documentIdStr)
	if err != nil {
		Err.Fatalf("Bad document id: %s", err)
	}

	auth, err := collab.NewSessionAuth(jwt)
	if err != nil {
		Err.Fatalf("Bad jwt: %s", err)
	}

	settings := collab.DefaultSessionSettings()
	if storePath, err := opts.String("--store"); err == nil && storePath != "" {
		store, err := collab.OpenSnapshotStore(storePath)
		if err != nil {
			Err.Fatalf("Could not open snapshot store: %s", err)
		}
		defer store.Close()
		settings.SnapshotStore = store

		if snapshot, err := store.Get(documentId); err == nil && snapshot != nil {
			Out.Printf("[cached v%d] %s", snapshot.Version, snapshot.Content)
		}
	}

	ctx := context.Background()
	session := collab.NewSession(ctx, connectUrl(opts), documentId, auth, settings)
	defer session.Close()

	session.AddStatusCallback(func(state collab.ConnectionState, err error) {
		if err != nil {
			Out.Printf("[%s] %s", state, err)
		} else {
			Out.Printf("[%s]", state)
		}
	})
	session.AddDocumentCallback(func(update *collab.DocumentUpdate) {
		author := "server"
		if update.Author != nil {
			author = update.Author.Username
		}
		Out.Printf("[v%d %s] %s", update.Version, author, update.Content)
	})
	session.AddPresenceCallback(func(entries []*collab.PresenceEntry) {
		usernames := []string{}
		for _, entry := range entries {
			username := entry.Username
			if entry.IsTyping {
				username += "*"
			}
			usernames = append(usernames, username)
		}
		Out.Printf("[online] %s", strings.Join(usernames, " "))
	})

	session.Open()

	// each stdin line replaces the document content
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			session.OnContentChanged(scanner.Text())
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
