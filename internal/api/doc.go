// Package api serves the job, chain and plugin version HTTP interface.
package api
