// Package types defines the lineage data model shared by the projectkit
// store, resolver, recorder and retention components: artifact versions,
// run records, result records, ordered parameter maps, configuration and the
// standard error taxonomy.
package types
