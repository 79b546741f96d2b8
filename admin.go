package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/models"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage the user directory"}

	var (
		u        models.User
		password string
		role     string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a user who can sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			if u.Username == "" || password == "" {
				return apperr.Validation("--username and --password are required")
			}
			switch r := models.Role(role); r {
			case models.RoleManager, models.RoleEmployee, models.RoleAdmin:
				u.Role = r
			default:
				return apperr.Validation(fmt.Sprintf("unknown role %q", role))
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			u.Password = string(hash)

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.CreateUser(cmd.Context(), &u); err != nil {
				return fmt.Errorf("create user %s: %w", u.Username, err)
			}
			log.Info("user_created", zap.String("user_id", u.ID), zap.String("username", u.Username), zap.String("role", string(u.Role)))
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	}
	f := add.Flags()
	f.StringVar(&u.Username, "username", "", "login name")
	f.StringVar(&password, "password", "", "initial password")
	f.StringVar(&u.Name, "name", "", "display name")
	f.StringVar(&u.Email, "email", "", "email address")
	f.StringVar(&role, "role", string(models.RoleEmployee), "MANAGER, EMPLOYEE or ADMIN")
	f.StringVar(&u.EmployeeID, "employee-id", "", "employee number")
	f.StringVar(&u.StoreLocation, "store-location", "", "store the user works at")
	f.StringVar(&u.Shift, "shift", "", "usual shift")
	f.BoolVar(&u.Approved, "approved", true, "account approved")

	cmd.AddCommand(add)
	return cmd
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage groups"}

	var (
		g       models.Group
		creator string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			if g.Name == "" || creator == "" {
				return apperr.Validation("--name and --creator are required")
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			owner, err := store.GetUserByUsername(cmd.Context(), creator)
			if err != nil {
				return err
			}
			g.CreatorID = owner.ID
			if err := store.CreateGroup(cmd.Context(), &g); err != nil {
				return fmt.Errorf("create group %s: %w", g.Name, err)
			}
			log.Info("group_created", zap.String("group_id", g.ID), zap.String("name", g.Name))
			fmt.Fprintln(cmd.OutOrStdout(), g.ID)
			return nil
		},
	}
	f := create.Flags()
	f.StringVar(&g.Name, "name", "", "group name")
	f.StringVar(&creator, "creator", "", "username of the creator")
	f.BoolVar(&g.IsPrivate, "private", false, "mark the group private")

	cmd.AddCommand(create)
	return cmd
}
