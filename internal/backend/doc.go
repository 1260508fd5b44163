// Copyright 2021 FerretDB Inc.
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

// Package backend contains the contract types shared by the connection pool,
// the write coordinator, and sessions: configuration and typed errors.
//
// # Lifetime policies
//
// A physical connection is a single SQLite connection to the database file.
// [LifetimePerOperation] opens one for every lease and closes it on release.
// [LifetimeSharedSingleton] reuses one for the whole store; all statements and transactions
// on it are serialized by its writer lock.
// [LifetimePooledTransient] keeps a bounded set of connections and reuses them across leases.
//
// # Errors
//
// Components return *[Error] values for contract failures; they are never wrapped.
// All other errors are opaque and should be treated as internal.
package backend
