package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/unixabg/dosi/internal/auth"
)

func (a *app) newPasswdCmd() *cobra.Command {
	var (
		user       string
		fromStdin  bool
		enrollTOTP bool
		dropTOTP   bool
	)
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Set the operator username and password",
		Long: `passwd writes the operator credentials file with an argon2id password
hash. With --totp it also enrols an authenticator app and prints the QR code
to scan.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.config()
			current, err := auth.LoadCredentials(cfg.CredentialsPath)
			if err != nil && !errors.Is(err, auth.ErrNoCredentials) {
				return err
			}
			if user == "" {
				user = current.Username
			}
			if user == "" {
				user = "admin"
			}

			var password string
			if fromStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			} else {
				password, err = promptPassword()
				if err != nil {
					return err
				}
			}
			if len(password) < 8 {
				return errors.New("password must be at least 8 characters")
			}

			phc, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			creds := auth.Credentials{Username: user, PasswordHash: phc, TOTPSecret: current.TOTPSecret}
			if dropTOTP {
				creds.TOTPSecret = ""
			}
			out := cmd.OutOrStdout()
			if enrollTOTP {
				secret, uri, err := auth.GenerateTOTPSecret("dosi", user)
				if err != nil {
					return err
				}
				creds.TOTPSecret = secret
				qr, err := qrcode.New(uri, qrcode.Medium)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, qr.ToSmallString(false))
				fmt.Fprintf(out, "Secret: %s\n", color.CyanString(secret))
				fmt.Fprintf(out, "URI:    %s\n", uri)
			}
			if err := auth.SaveCredentials(cmd.Context(), cfg.CredentialsPath, creds); err != nil {
				return err
			}
			ok(out, "credentials for %s written to %s", user, cfg.CredentialsPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "operator username (default: current, or admin)")
	cmd.Flags().BoolVar(&fromStdin, "password-stdin", false, "read the password from standard input")
	cmd.Flags().BoolVar(&enrollTOTP, "totp", false, "enrol a new TOTP second factor")
	cmd.Flags().BoolVar(&dropTOTP, "no-totp", false, "remove the TOTP second factor")
	cmd.MarkFlagsMutuallyExclusive("totp", "no-totp")
	return cmd
}

func promptPassword() (string, error) {
	var first, second string
	if err := survey.AskOne(&survey.Password{Message: "New password:"}, &first, survey.WithValidator(survey.Required)); err != nil {
		return "", err
	}
	if err := survey.AskOne(&survey.Password{Message: "Repeat password:"}, &second); err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}
