// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-slave"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Modbus TCP slave",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("addr", "a", fmt.Sprintf(":%d", modbus.DefaultPort), "Listen address")
	serveCmd.Flags().Uint8P("slave-id", "s", 1, "Slave id (unit identifier)")
	serveCmd.Flags().Int("discrete-inputs", 0, "Number of discrete inputs")
	serveCmd.Flags().Int("coils", 0, "Number of coils")
	serveCmd.Flags().Int("input-registers", 0, "Number of input registers")
	serveCmd.Flags().Int("holding-registers", 0, "Number of holding registers")
	serveCmd.Flags().Int("max-conns", 100, "Maximum concurrent connections")
	serveCmd.Flags().Duration("read-timeout", 30*time.Second, "Per-connection read timeout")
	serveCmd.Flags().String("snapshot", "", "Snapshot file: loaded on start, saved on shutdown")

	viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("slave_id", serveCmd.Flags().Lookup("slave-id"))
	viper.BindPFlag("discrete_inputs", serveCmd.Flags().Lookup("discrete-inputs"))
	viper.BindPFlag("coils", serveCmd.Flags().Lookup("coils"))
	viper.BindPFlag("input_registers", serveCmd.Flags().Lookup("input-registers"))
	viper.BindPFlag("holding_registers", serveCmd.Flags().Lookup("holding-registers"))
	viper.BindPFlag("max_conns", serveCmd.Flags().Lookup("max-conns"))
	viper.BindPFlag("read_timeout", serveCmd.Flags().Lookup("read-timeout"))
	viper.BindPFlag("snapshot", serveCmd.Flags().Lookup("snapshot"))
}

func runServe(cmd *cobra.Command, args []string) error {
	server := modbus.NewServer(
		modbus.WithLogger(logger),
		modbus.WithSlaveID(modbus.UnitID(viper.GetUint("slave_id"))),
		modbus.WithMaxConnections(viper.GetInt("max_conns")),
		modbus.WithReadTimeout(viper.GetDuration("read_timeout")),
		modbus.WithOnWritten(func(t modbus.RegisterType, address, quantity uint16) {
			logger.Info("registers written",
				slog.String("table", t.String()),
				slog.Uint64("address", uint64(address)),
				slog.Uint64("quantity", uint64(quantity)))
		}),
		modbus.WithOnStateChange(func(state modbus.ConnectionState) {
			logger.Info("state changed", slog.String("state", state.String()))
		}),
	)

	regMap, err := buildMap()
	if err != nil {
		return err
	}
	if err := server.SetMap(regMap); err != nil {
		return fmt.Errorf("set register map: %w", err)
	}

	transport := modbus.NewTCPServer(server)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	err = transport.ListenAndServeContext(ctx, viper.GetString("addr"))
	if errors.Is(err, modbus.ErrServerClosed) {
		err = nil
	}

	if path := viper.GetString("snapshot"); path != "" {
		if saveErr := modbus.SaveSnapshot(path, server.Map()); saveErr != nil {
			logger.Error("snapshot save failed", slog.String("error", saveErr.Error()))
			if err == nil {
				err = saveErr
			}
		} else {
			logger.Info("snapshot saved", slog.String("path", path))
		}
	}
	return err
}

// buildMap assembles the register map from the snapshot file when one
// exists, falling back to the sizes given on the command line.
func buildMap() (modbus.RegisterMap, error) {
	if path := viper.GetString("snapshot"); path != "" {
		m, err := modbus.LoadSnapshot(path)
		switch {
		case err == nil:
			logger.Info("snapshot loaded", slog.String("path", path))
			return m, nil
		case errors.Is(err, os.ErrNotExist):
			logger.Info("no snapshot yet, starting fresh", slog.String("path", path))
		default:
			return nil, err
		}
	}

	return modbus.NewRegisterMap(
		viper.GetInt("discrete_inputs"),
		viper.GetInt("coils"),
		viper.GetInt("input_registers"),
		viper.GetInt("holding_registers"),
	), nil
}
