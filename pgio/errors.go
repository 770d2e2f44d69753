/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Apr  4 08:55:18 2019 mstenber
 * Last modified: Sat Apr 27 12:01:44 2019 mstenber
 * Edit time:     6 min
 *
 */

package pgio

import "errors"

var (
	// ErrInterrupted is returned when the inode's Interrupted
	// hook reports a pending interruption mid-operation.
	ErrInterrupted = errors.New("operation interrupted")

	// ErrNoSpace is returned by mappers that cannot allocate.
	ErrNoSpace = errors.New("out of space")

	// ErrInvalidExtent is returned when a mapper hands back an
	// extent that does not cover what was asked.
	ErrInvalidExtent = errors.New("invalid extent from mapper")
)
