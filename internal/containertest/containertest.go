// Package containertest starts throwaway database containers for
// integration tests.
package containertest

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Image struct {
	Name    string
	Port    string
	Env     map[string]string
	Cmd     []string
	Waiting wait.Strategy

	// DSN builds a connection string from the mapped host:port endpoint.
	DSN func(endpoint string) string
}

type Validator = func(*testing.T, *sql.Rows)

// Run starts a container per image and calls test with an open connection.
// Containers are started in parallel subtests named "<baseName>@<image>".
func Run(t *testing.T, driverName, baseName string, images []Image, test func(t *testing.T, image string, conn *sql.DB)) {
	t.Helper()

	for _, image := range images {
		image := image
		t.Run(fmt.Sprintf("%s@%s", baseName, image.Name), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
				ContainerRequest: testcontainers.ContainerRequest{
					Image:        image.Name,
					ExposedPorts: []string{image.Port},
					WaitingFor:   image.Waiting,
					Env:          image.Env,
					Cmd:          image.Cmd,
				},
				Started: true,
			})
			if err != nil {
				t.Fatal(err)
			}
			defer func() {
				if err := container.Terminate(ctx); err != nil {
					t.Fatalf("failed to terminate test container: %s", err)
				}
			}()

			endpoint, err := container.Endpoint(ctx, "")
			if err != nil {
				t.Fatal(err)
			}

			conn, err := sql.Open(driverName, image.DSN(endpoint))
			if err != nil {
				t.Fatal(err)
			}
			defer func() {
				if err := conn.Close(); err != nil {
					t.Fatalf("failed to close connection to test database: %s", err)
				}
			}()

			test(t, image.Name, conn)
		})
	}
}

func RandomPassword() string {
	const length = 8
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("failed to generate a random password: %w", err))
	}
	return fmt.Sprintf("%x", b)[:length]
}

// Validate runs every statement and hands its rows to the matching validator.
func Validate(t *testing.T, statements map[string]Validator, conn *sql.DB) {
	t.Helper()

	for stmt, validate := range statements {
		func() {
			rows, err := conn.Query(stmt)
			if err != nil {
				t.Fatalf("error when running validation statement \"%s\": %s", stmt, err)
			}
			defer rows.Close()
			if err = rows.Err(); err != nil {
				t.Fatalf("error when running validation statement \"%s\": %s", stmt, err)
			}

			validate(t, rows)
		}()
	}
}

func DoNothing(t *testing.T, _ *sql.Rows) {
	t.Helper()
}
