/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Apr  1 12:24:17 2019 mstenber
 * Last modified: Mon Apr  1 12:30:02 2019 mstenber
 * Edit time:     5 min
 *
 */

package util

func IMin(i int, ints ...int) int {
	for _, v := range ints {
		if v < i {
			i = v
		}
	}
	return i
}

func IMax(i int, ints ...int) int {
	for _, v := range ints {
		if v > i {
			i = v
		}
	}
	return i
}

func I64Min(i int64, ints ...int64) int64 {
	for _, v := range ints {
		if v < i {
			i = v
		}
	}
	return i
}

func I64Max(i int64, ints ...int64) int64 {
	for _, v := range ints {
		if v > i {
			i = v
		}
	}
	return i
}
