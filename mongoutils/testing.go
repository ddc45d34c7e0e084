// Copyright (c) 2025 - The Event Relay authors.
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

package mongoutils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// TestURI returns the URI of a MongoDB for integration tests, and a random
// database name. MONGODB_ADDR is used if set, otherwise a container is
// started for the test. Integration tests are skipped in short mode.
func TestURI(t *testing.T) (string, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Get a random DB name.
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}

	db := "test-" + hex.EncodeToString(b)

	t.Log("using DB:", db)

	if addr := os.Getenv("MONGODB_ADDR"); addr != "" {
		return "mongodb://" + addr, db
	}

	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7")
	testcontainers.CleanupContainer(t, container)

	if err != nil {
		t.Fatal("could not start MongoDB container:", err)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatal("could not get MongoDB connection string:", err)
	}

	return uri, db
}
