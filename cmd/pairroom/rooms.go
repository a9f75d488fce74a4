package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/npezzotti/pairroom/internal/chatclient"
	"github.com/npezzotti/pairroom/internal/ui"
)

func newRegisterCmd(flags *clientFlags) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and print its token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.email == "" || flags.password == "" {
				return errors.New("--email and --password are required")
			}

			resp, err := chatclient.NewAPIClient(flags.server).Register(cmd.Context(), flags.email, username, flags.password)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\ntoken: %s\n", resp.User.Username, resp.Token)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.MarkFlagRequired("username")
	return cmd
}

func newRoomsCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms you belong to",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, user, err := flags.authenticate(cmd.Context())
			if err != nil {
				return err
			}

			rooms, err := client.ListRooms(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), ui.RoomTable(rooms, user))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a room and print its join code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := flags.authenticate(cmd.Context())
			if err != nil {
				return err
			}

			room, err := client.CreateRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "created %s, share code %s\n", room.Name, room.Code)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "join CODE",
		Short: "Join a room by its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := flags.authenticate(cmd.Context())
			if err != nil {
				return err
			}

			room, err := client.JoinRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "joined %s (%s)\n", room.Name, room.Id)
			return nil
		},
	})

	flags.register(cmd)
	return cmd
}
