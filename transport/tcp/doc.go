// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp provides a TCP server driven by the microloop event loop.
//
// A Server binds a passive socket and registers an accept source. Every
// accepted connection becomes a PeerConnection with its own receive source;
// outgoing data is written either synchronously or through send sources that
// resume partial writes when the socket becomes writable again. All handlers
// run on the loop's reactor thread.
package tcp
