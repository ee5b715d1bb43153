// Package pagination follows "next" links across a paginated Service Explorer
// collection and returns every record in page order.
//
// Collections are paged with limit/offset query parameters. Each response is
// a JSON object holding a "results" array and a "next" URL (absolute, or a
// path relative to the API origin). An absent, null or empty "next" ends the
// collection.
//
// Example usage:
//
//	fetcher, err := pagination.NewFetcher(apiClient, pagination.DefaultConfig(origin))
//	policies, err := pagination.FetchAll[policy.Record](ctx, fetcher, listURL)
//
// The fetcher:
//   - Appends limit=<PageSize>&offset=0 when the start URL carries neither
//   - Fetches pages strictly one after another
//   - Waits on the configured Pacer before every page after the first
//   - Aborts on the first failed page and discards what it collected
//
// Retrying failed pages is left to callers.
package pagination
