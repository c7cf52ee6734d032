// Package esmux multiplexes requests, from any number of producers, onto a
// small number of persistent HTTP/1.1 connections to an Elasticsearch node.
//
// Producers push a Message onto a shared Queue, via a Handle, which wakes
// every connection listening on it. Each Conn performs a single exchange at a
// time, popping the next message only once the previous response has been
// fully consumed, and reports the outcome to the message's Sink.
//
// See also the percolate sub-package, for building percolate count requests.
package esmux
