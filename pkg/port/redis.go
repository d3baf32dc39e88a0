// Package port exposes the shared cache over the Redis protocol so operators can inspect and flush it with
// redis-cli. Only the read-mostly admin commands are served; values are rendered as JSON.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/redcon"

	"github.com/nobletooth/memo/pkg/cache"
)

const RedisOk = "OK"

var adminAddress = flag.String("admin_address", "localhost:6380",
	"The ip:port the Redis protocol admin port listens on; empty disables it.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeBulk       *string  // Writes a bulk string if set.
	writeArray      []string // Writes an array of bulk strings if non-nil.
	writeString     string   // Writes a simple string value otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(s string) redisOutput {
	return redisOutput{writeBulk: &s}
}

func writeRedisArray(items []string) redisOutput {
	if items == nil {
		items = []string{}
	}
	return redisOutput{writeArray: items}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArity(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// adminHandler answers admin commands against a cache layer.
type adminHandler struct {
	cache cache.Layer[any]
}

func newAdminHandler(layer cache.Layer[any]) (*adminHandler, error) {
	if layer == nil {
		return nil, errors.New("expected a non-nil cache layer")
	}
	return &adminHandler{cache: layer}, nil
}

func (ah *adminHandler) handle(cmd redisCommand) redisOutput {
	switch strings.ToUpper(cmd.command) {
	case "PING":
		switch len(cmd.args) {
		case 0:
			return writeRedisString("PONG")
		case 1:
			return writeRedisBulk(cmd.args[0])
		default:
			return wrongArity(cmd.command)
		}
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "INFO":
		return writeRedisBulk(ah.info())
	case "DBSIZE":
		return writeRedisInt(ah.cache.Stats().Size)
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		keys, err := cache.MatchKeys(cmd.args[0], ah.cache.Keys())
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisArray(keys)
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		value, found := ah.cache.Peek(cmd.args[0])
		if !found {
			return writeRedisNil()
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return writeRedisError(fmt.Errorf("failed to encode value: %w", err))
		}
		return writeRedisBulk(string(encoded))
	case "DEL":
		if len(cmd.args) < 1 {
			return wrongArity(cmd.command)
		}
		deletedCount := 0
		for _, key := range cmd.args {
			if ah.cache.Delete(key) {
				deletedCount++
			}
		}
		return writeRedisInt(deletedCount)
	case "FLUSHALL", "FLUSHDB":
		ah.cache.Clear()
		slog.Warn("Cache flushed over the admin port.")
		return writeRedisString(RedisOk)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// info renders the cache statistics the way Redis renders INFO sections.
func (ah *adminHandler) info() string {
	stats := ah.cache.Stats()
	var builder strings.Builder
	builder.WriteString("# Memo\r\n")
	fmt.Fprintf(&builder, "size:%d\r\n", stats.Size)
	fmt.Fprintf(&builder, "hits:%d\r\n", stats.Hits)
	fmt.Fprintf(&builder, "misses:%d\r\n", stats.Misses)
	fmt.Fprintf(&builder, "sets:%d\r\n", stats.Sets)
	fmt.Fprintf(&builder, "evictions:%d\r\n", stats.Evictions)
	fmt.Fprintf(&builder, "hit_ratio:%.2f\r\n", stats.HitRatio())
	return builder.String()
}

func writeOutput(conn redcon.Conn, output redisOutput) {
	switch {
	case output.closeConnection:
		conn.WriteString(output.writeString)
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close admin connection.", "error", err)
		}
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeNil:
		conn.WriteNull()
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeBulk != nil:
		conn.WriteBulkString(*output.writeBulk)
	case output.writeArray != nil:
		conn.WriteArray(len(output.writeArray))
		for _, item := range output.writeArray {
			conn.WriteBulkString(item)
		}
	default:
		conn.WriteString(output.writeString)
	}
}

// newAdminServer builds, without starting, a Redis protocol server answering admin commands on `addr`.
func newAdminServer(layer cache.Layer[any], addr string) (*redcon.Server, error) {
	handler, err := newAdminHandler(layer)
	if err != nil {
		return nil, fmt.Errorf("failed to create an admin handler: %w", err)
	}
	return redcon.NewServerNetwork("tcp" /*net*/, addr,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			writeOutput(conn, handler.handle(command))
		},
		/*accept*/ func(conn redcon.Conn) bool {
			slog.Debug("Admin connection accepted.", "remote", conn.RemoteAddr())
			return true
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Admin connection closed.", "remote", conn.RemoteAddr(), "error", err)
			}
		}), nil
}

// RunAdminServer serves the admin port on --admin_address until `ctx` is cancelled. An empty address disables the
// port and the call just waits for `ctx`.
func RunAdminServer(ctx context.Context, layer cache.Layer[any]) error {
	if *adminAddress == "" {
		slog.Info("Admin port is disabled.")
		<-ctx.Done()
		return nil
	}

	adminServer, err := newAdminServer(layer, *adminAddress)
	if err != nil {
		return err
	}

	listening, serverErrSignal := make(chan error, 1), make(chan error, 1)
	go func() {
		if err := adminServer.ListenServeAndSignal(listening); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	if err := <-listening; err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *adminAddress, err)
	}
	slog.Info("Admin port is listening.", "address", adminServer.Addr().String())

	select {
	case <-ctx.Done():
		if err := adminServer.Close(); err != nil {
			return fmt.Errorf("failed to close the admin port: %w", err)
		}
	case err, ok := <-serverErrSignal:
		if !ok {
			return errors.New("admin port stopped unexpectedly")
		}
		return fmt.Errorf("admin port stopped unexpectedly: %w", err)
	}
	return nil
}
