// Package api hosts the HTTP handlers of the tubebridge service.
//
// Handler turns inbound requests into calls on the collaborators injected at
// construction time: a resolver.Resolver for direct media URLs, a relay for
// copying media bytes, an uploader for the YouTube resumable protocol and an
// optional metadata lookup. Handlers never reach for globals; every
// dependency is a narrow interface so tests can substitute fakes.
//
// Arguments arrive either in the query string or in a JSON body, in camelCase
// or snake_case. normalizeRequest folds those shapes into a single
// transferRequest before any collaborator is called, so validation failures
// are answered with 400 without side effects.
//
// Handlers assume upstream middleware from internal/server has already
// applied request ids, logging, metrics, CORS and rate limiting.
package api
