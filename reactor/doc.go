// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness-polling primitive the event loop is
// built on: a thin epoll(7) wrapper that tags every registration with a
// generation number so stale notifications for a reused descriptor can be
// recognised and dropped.
package reactor
