package main

// commands registers every command the server understands.
func (app *application) commands() *Router {
	router := NewRouter()

	// Server
	router.Handle("PING", app.handlePing)
	router.Handle("INFO", app.handleInfo)
	router.Handle("DEL", app.handleDel)
	router.Handle("MEMORY", app.handleMemory)
	router.Handle("COMPACT", app.handleCompact)

	// Sketches
	router.Handle("HLL.CREATE", app.handleHLLCreate)
	router.Handle("HLL.ADD", app.handleHLLAdd)
	router.Handle("HLL.ADDHASH", app.handleHLLAddHash)
	router.Handle("HLL.COUNT", app.handleHLLCount)
	router.Handle("HLL.MERGE", app.handleHLLMerge)
	router.Handle("HLL.DENSE", app.handleHLLDense)
	router.Handle("HLL.ISDENSE", app.handleHLLIsDense)
	router.Handle("HLL.EXPORT", app.handleHLLExport)
	router.Handle("HLL.IMPORT", app.handleHLLImport)
	router.Handle("HLL.INFO", app.handleHLLInfo)
	router.Handle("HLL.HASH", app.handleHLLHash)

	return router
}
