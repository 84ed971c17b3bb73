package boltscope

type flags interface{ ~uint16 | ~uint32 }

func hasFlag[T flags](b, flag T) bool { return b&flag != 0 }
