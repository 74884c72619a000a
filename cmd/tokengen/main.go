// Package main provides a CLI tool for minting websocket handshake tokens.
// Tokens are signed with the dev key unless -key is given, so they only work
// against a server started with the same JWT_SIGNING_KEY.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"beacon/internal/transport/ws"
	id "beacon/pkg/domain"
)

const (
	// Matches the JWT_SIGNING_KEY default in config.
	devSigningKey   = "dev-secret-key-change-in-production"
	defaultAudience = "beacon"
	defaultTokenTTL = 15 * time.Minute
)

type tokenOutput struct {
	Token     string            `json:"token"`
	Role      string            `json:"role"`
	ExpiresIn string            `json:"expires_in"`
	Claims    map[string]any    `json:"claims"`
	Usage     map[string]string `json:"usage"`
}

type commonFlags struct {
	site *string
	key  *string
	ttl  *time.Duration
	json *bool
}

func bindCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		site: fs.String("site", "", "Site ID (UUID). Required."),
		key:  fs.String("key", devSigningKey, "HS256 signing key"),
		ttl:  fs.Duration("ttl", defaultTokenTTL, "Token time-to-live"),
		json: fs.Bool("json", false, "Output as JSON"),
	}
}

func main() {
	serviceCmd := flag.NewFlagSet("service", flag.ExitOnError)
	serviceCommon := bindCommon(serviceCmd)
	serviceID := serviceCmd.Uint("service-id", 0, "Service ID. Required.")

	clientCmd := flag.NewFlagSet("client", flag.ExitOnError)
	clientCommon := bindCommon(clientCmd)
	clientUser := clientCmd.Uint("user-id", 0, "User ID. Required.")
	clientID := clientCmd.Uint("client-id", 0, "Client ID. Required.")

	guestCmd := flag.NewFlagSet("guest", flag.ExitOnError)
	guestCommon := bindCommon(guestCmd)

	statelessCmd := flag.NewFlagSet("stateless", flag.ExitOnError)
	statelessCommon := bindCommon(statelessCmd)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "service":
		_ = serviceCmd.Parse(os.Args[2:])
		generate(serviceCommon, ws.Identity{Role: ws.RoleService, ServiceID: id.ServiceID(*serviceID)})
	case "client":
		_ = clientCmd.Parse(os.Args[2:])
		generate(clientCommon, ws.Identity{
			Role:     ws.RoleClient,
			UserID:   id.UserID(*clientUser),
			ClientID: id.ClientID(*clientID),
		})
	case "guest":
		_ = guestCmd.Parse(os.Args[2:])
		generate(guestCommon, ws.Identity{Role: ws.RoleGuest})
	case "stateless":
		_ = statelessCmd.Parse(os.Args[2:])
		generate(statelessCommon, ws.Identity{Role: ws.RoleStateless})
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tokengen - Generate websocket handshake tokens for beacon

Usage:
  tokengen <command> -site <uuid> [flags]

Commands:
  service     Token for a service endpoint (-service-id)
  client      Token for a registered client (-user-id, -client-id)
  guest       Token for a guest client
  stateless   Token for a stateless client

Examples:
  # Service 10 on a site
  tokengen service -site 6f1c... -service-id 10

  # Client 3 of user 1 with a one hour lifetime
  tokengen client -site 6f1c... -user-id 1 -client-id 3 -ttl 1h

  # Output as JSON
  tokengen guest -site 6f1c... -json

Use "tokengen <command> -h" for more information about a command.`)
}

func generate(f commonFlags, ident ws.Identity) {
	siteID, err := id.ParseSiteID(*f.site)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -site: %v\n", err)
		os.Exit(1)
	}
	ident.SiteID = siteID

	token, err := ws.NewAuthenticator(*f.key, defaultAudience).Issue(ident, time.Now(), *f.ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	claims := map[string]any{"site_id": siteID.String()}
	switch ident.Role {
	case ws.RoleService:
		claims["service_id"] = uint32(ident.ServiceID)
	case ws.RoleClient:
		claims["user_id"] = uint32(ident.UserID)
		claims["client_id"] = uint32(ident.ClientID)
	}

	if *f.json {
		printJSON(tokenOutput{
			Token:     token,
			Role:      string(ident.Role),
			ExpiresIn: f.ttl.String(),
			Claims:    claims,
			Usage: map[string]string{
				"header": "Authorization: Bearer <token>",
				"query":  "/ws?token=<token>",
			},
		})
		return
	}

	fmt.Println("Handshake Token (JWT)")
	fmt.Println("=====================")
	fmt.Printf("Role:        %s\n", ident.Role)
	fmt.Printf("Site ID:     %s\n", siteID)
	for _, k := range []string{"service_id", "user_id", "client_id"} {
		if v, ok := claims[k]; ok {
			fmt.Printf("%-12s %v\n", k+":", v)
		}
	}
	fmt.Printf("Expires In:  %s\n", f.ttl)
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  websocat -H \"Authorization: Bearer <token>\" ws://localhost:8080/ws")
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
