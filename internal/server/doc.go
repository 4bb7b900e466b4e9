// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the conversation engine over HTTP.
//
// Mutations are plain JSON requests; response progress is pushed to clients
// as Server-Sent Events carrying full session snapshots, so a client that
// misses frames still converges on the latest state.
//
// # Endpoints
//
//   - GET    /v1/conversations                 - List (archived=true includes archived)
//   - POST   /v1/conversations                 - Start a draft, returns its key
//   - GET    /v1/conversations/{id}            - Open a stored conversation
//   - DELETE /v1/conversations/{id}            - Delete
//   - POST   /v1/conversations/{id}/pin|archive|restore
//   - POST   /v1/conversations/{id}/branch     - Branch at a message
//   - POST   /v1/sessions/{key}/messages       - Send
//   - POST   /v1/sessions/{key}/edit|regenerate|truncate|stop|switch
//   - GET    /v1/sessions/{key}/stream         - Snapshot event stream
//   - GET    /v1/events                        - Service event stream
//   - GET|PUT|DELETE /v1/selection, PUT|DELETE /v1/selection/tools/{name}
//   - GET|POST /v1/attachments, DELETE /v1/attachments/{url}
//   - GET    /v1/models, /v1/usage, /health, /stats
//
// Users are selected with the X-Prepchat-User header. There is no
// authentication; bind to localhost or put the server behind a proxy that
// sets the header.
//
// # Middleware
//
// Recovery, CORS (rs/cors), security headers, slog request logging and a
// per-client token bucket (golang.org/x/time/rate).
package server
