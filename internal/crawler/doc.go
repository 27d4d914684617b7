// Package crawler defines the types, interfaces, URL normalization, and error
// taxonomy shared by the archiver's frontier, fetchers, extractors, and store.
package crawler
