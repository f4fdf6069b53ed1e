package console

import "log"

const OK = "[ok]"
const WARN = "[warn]"
const ERR = "[err]"

func logOK(msg string) {
	log.Print(OK, " ", msg)
}

func logWARN(msg string) {
	log.Print(WARN, " ", msg)
}

func logERR(msg string) {
	log.Print(ERR, " ", msg)
}
