package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/crosswindhq/crosswind-cli/internal/api"
	"github.com/crosswindhq/crosswind-cli/internal/app"
	"github.com/crosswindhq/crosswind-cli/internal/deviceflow"
	"github.com/crosswindhq/crosswind-cli/internal/jwks"
	"github.com/crosswindhq/crosswind-cli/internal/tokenstore"
	"github.com/crosswindhq/crosswind-cli/internal/tokenverify"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:   "login",
		Usage:  "authenticate this machine with Crosswind Cloud",
		Action: loginAction,
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "remove stored credentials",
		Action: logoutAction,
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:   "verify",
		Usage:  "check the stored token offline and print its claims",
		Action: verifyAction,
	}
}

func authorizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "authorize",
		Usage: "mint a machine token for a registered relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "id",
				Usage: "relay ID",
			},
			&cli.StringFlag{
				Name:  "label",
				Usage: "relay label",
			},
		},
		Action: authorizeAction,
	}
}

// newVerifier builds the offline verifier backed by the disk key cache.
func newVerifier(cfg *app.Config, client *api.Client) (*tokenverify.Verifier, *jwks.Cache) {
	cache := jwks.NewCache(client.JWKSEndpoint(), cfg.JWKSCachePath(), cfg.JWKSTTL())
	return tokenverify.New(cache, cfg.API.BaseURL), cache
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	store, err := tokenstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open credential storage: %w", err)
	}

	client := api.New(cfg.API.BaseURL)
	verifier, cache := newVerifier(cfg, client)

	// A still-valid stored token makes the browser round-trip unnecessary.
	if cred, err := store.Load(ctx, tokenstore.IdentifierUserToken); err == nil && cred != nil {
		if claims, err := verifier.Verify(ctx, cred.Token); err == nil {
			fmt.Printf("Already logged in as %s.\n", describeSubject(claims))
			fmt.Println("Run 'crosswind logout' first to switch accounts.")
			return nil
		}
	}

	// Warm the key cache while the user completes the flow in the browser,
	// so verification right after approval stays offline.
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := cache.Keys(gCtx); err != nil {
			slog.DebugContext(gCtx, "key cache warmup failed", "error", err)
		}
		return nil
	})

	var flowOpts []deviceflow.FlowOption
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		// Non-interactive session: print the URL but never spawn a browser.
		flowOpts = append(flowOpts, deviceflow.WithBrowserOpener(func(string) error {
			return errors.New("stdout is not a terminal")
		}))
	}

	result, err := deviceflow.New(client, flowOpts...).Login(ctx)
	_ = g.Wait()
	if err != nil {
		switch {
		case errors.Is(err, deviceflow.ErrDenied):
			return errors.New("login was denied in the browser")
		case errors.Is(err, deviceflow.ErrExpired):
			return errors.New("login attempt expired before it was approved, run 'crosswind login' to try again")
		default:
			return err
		}
	}

	claims, err := verifier.Verify(ctx, result.Token)
	if err != nil {
		return fmt.Errorf("login succeeded but the issued token failed verification: %w", err)
	}

	cred := credentialFromClaims(result.Token, claims)
	if err := store.Save(ctx, tokenstore.IdentifierUserToken, cred); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	fmt.Printf("Logged in as %s.\n", describeSubject(claims))
	fmt.Printf("Token expires %s.\n", claims.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	store, err := tokenstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open credential storage: %w", err)
	}

	for _, identifier := range []string{tokenstore.IdentifierUserToken, tokenstore.IdentifierMachineToken} {
		if err := store.Clear(ctx, identifier); err != nil {
			return fmt.Errorf("failed to clear %s: %w", identifier, err)
		}
	}

	fmt.Println("Logged out.")
	return nil
}

func verifyAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	store, err := tokenstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open credential storage: %w", err)
	}

	cred, err := store.Load(ctx, tokenstore.IdentifierUserToken)
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	if cred == nil {
		return errors.New("not logged in, run 'crosswind login' first")
	}

	client := api.New(cfg.API.BaseURL)
	verifier, _ := newVerifier(cfg, client)

	claims, err := verifier.Verify(ctx, cred.Token)
	if err != nil {
		return verificationFailure(err)
	}

	fmt.Printf("Token is valid.\n")
	fmt.Printf("  Issuer:  %s\n", claims.Issuer)
	fmt.Printf("  Subject: %s\n", claims.Subject)
	fmt.Printf("  Expires: %s\n", claims.ExpiresAt.Local().Format(time.RFC1123))
	if claims.User != nil {
		fmt.Printf("  User:    %s <%s>\n", claims.User.Name, claims.User.Email)
	}
	if claims.Team != nil {
		fmt.Printf("  Team:    %s\n", claims.Team.Name)
	}
	return nil
}

func authorizeAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	relay, err := resolveRelay(cfg, cmd.String("id"), cmd.String("label"))
	if err != nil {
		return err
	}

	store, err := tokenstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open credential storage: %w", err)
	}

	cred, err := store.Load(ctx, tokenstore.IdentifierUserToken)
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	if cred == nil {
		return errors.New("not logged in, run 'crosswind login' first")
	}

	client := api.New(cfg.API.BaseURL)
	verifier, _ := newVerifier(cfg, client)

	if _, err := verifier.Verify(ctx, cred.Token); err != nil {
		return verificationFailure(err)
	}

	resp, err := client.AuthorizeRelay(ctx, cred.Token, &api.AuthorizeRelayRequest{
		RelayID: relay.ID,
		Metadata: map[string]string{
			"label": relay.Label,
			"addr":  fmt.Sprintf("%s:%d", relay.IP, relay.Port),
		},
	})
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 401 {
			return errors.New("authorization was rejected, run 'crosswind login' to refresh your session")
		}
		return fmt.Errorf("authorization exchange failed: %w", err)
	}

	machineClaims, err := verifier.Verify(ctx, resp.MachineToken)
	if err != nil {
		return fmt.Errorf("exchange succeeded but the machine token failed verification: %w", err)
	}

	machineCred := credentialFromClaims(resp.MachineToken, machineClaims)
	if err := store.Save(ctx, tokenstore.IdentifierMachineToken, machineCred); err != nil {
		return fmt.Errorf("failed to store machine token: %w", err)
	}

	delivery := &api.TokenDelivery{
		MachineToken: resp.MachineToken,
		ExpiresAt:    resp.ExpiresAt,
		RelayID:      resp.Relay.ID,
		RelayCode:    resp.Relay.Code,
		Abilities:    resp.Abilities,
	}
	if err := client.DeliverToken(ctx, relay.URL(), delivery); err != nil {
		slog.WarnContext(ctx, "token delivery to relay failed", "relay", relay.Label, "url", relay.URL(), "error", err)
		fmt.Printf("Machine token minted for relay %q, but delivery to %s failed.\n", relay.Label, relay.URL())
		fmt.Println("The token is stored locally; check that the relay is reachable and re-run 'crosswind authorize'.")
		return nil
	}

	fmt.Printf("Relay %q authorized. Machine token expires %s.\n",
		relay.Label, machineClaims.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

// verificationFailure maps typed verification errors to actionable messages.
func verificationFailure(err error) error {
	switch {
	case errors.Is(err, tokenverify.ErrExpired):
		return errors.New("stored token is expired, run 'crosswind login' again")
	case errors.Is(err, tokenverify.ErrIssuerMismatch):
		return errors.New("stored token was issued by a different API, check the configured base URL or log in again")
	case errors.Is(err, tokenverify.ErrNoMatchingKey):
		return errors.New("no published signing key matches the stored token, run 'crosswind login' again")
	case errors.Is(err, tokenverify.ErrBadSignature),
		errors.Is(err, tokenverify.ErrUnsupportedAlgorithm),
		errors.Is(err, tokenverify.ErrMalformed):
		return errors.New("stored token is invalid, run 'crosswind login' again")
	default:
		return fmt.Errorf("token verification failed: %w", err)
	}
}

func credentialFromClaims(token string, claims *tokenverify.Claims) *tokenstore.Credential {
	expiresAt := claims.ExpiresAt.Unix()
	cred := &tokenstore.Credential{
		Token:     token,
		ExpiresAt: &expiresAt,
	}
	if claims.User != nil {
		cred.User = &tokenstore.UserInfo{ID: claims.User.ID, Email: claims.User.Email, Name: claims.User.Name}
	}
	if claims.Team != nil {
		cred.Team = &tokenstore.TeamInfo{ID: claims.Team.ID, Name: claims.Team.Name}
	}
	return cred
}

func describeSubject(claims *tokenverify.Claims) string {
	if claims.User != nil && claims.User.Email != "" {
		return claims.User.Email
	}
	return claims.Subject
}
