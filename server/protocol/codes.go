package protocol

// outcome of one parser pass over the read buffer
type httpCode int

const (
	noRequest httpCode = iota // incomplete, keep reading
	getRequest
	badRequest
	noResource
	forbiddenRequest
	fileRequest
	internalError
)

// line sub-machine result
type lineStatus int

const (
	lineOK lineStatus = iota
	lineBad
	lineOpen
)

// main parser state
type parseState int

const (
	stateRequestLine parseState = iota
	stateHeader
	stateContent
)

// canned bodies for the error responses
const (
	ok200Title = "OK"

	error400Title = "Bad Request"
	error400Form  = "Your request has bad syntax or is inherently impossible to satisfy.\n"
	error403Title = "Forbidden"
	error403Form  = "You do not have permission to get file form this server.\n"
	error404Title = "Not Found"
	error404Form  = "The requested file was not found on this server.\n"
	error500Title = "Internal Error"
	error500Form  = "There was an unusual problem serving the request file.\n"
)
